package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazard-orchestrator/internal/compose"
	"hazard-orchestrator/internal/metrics"
	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/recipients"
	"hazard-orchestrator/internal/store"
	"hazard-orchestrator/internal/triage"
)

type sendCall struct {
	channel string
	address string
	subject string
	body    string
}

// fakeSender fails every channel listed in failing and records every call.
type fakeSender struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   []sendCall
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSender) Send(_ context.Context, channel, address, subject, body string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{channel, address, subject, body})
	if f.failing[channel] {
		return errors.Errorf("%s gateway down", channel)
	}
	return nil
}

func (f *fakeSender) sent() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

var (
	contactX = models.Contact{Name: "X", Phone: "+61400000001", Email: "x@example.org"}
	contactY = models.Contact{Name: "Y", Email: "y@example.org"}
)

func testRouting() triage.Routing {
	return triage.Routing{
		DefaultOrder: []string{"sms", "email", "voice"},
		OrderByHazard: map[models.Hazard][]string{
			models.HazardCyclone: {"sms", "voice", "email"},
		},
		Rules: map[models.Hazard]triage.Rule{
			models.HazardCyclone: {
				Recipients: []string{"north_shore"},
				SeverityChannels: map[models.Severity][]string{
					models.SeverityEmergency: {"sms", "email"},
				},
			},
			models.HazardFlood: {
				Recipients: []string{"north_shore", "council"},
			},
		},
	}
}

func testDirectory() recipients.Directory {
	return recipients.Directory{
		"north_shore": {contactX, contactY},
		"council":     {contactY},
	}
}

func openStores(t *testing.T, backend string) *store.Stores {
	t.Helper()
	b, err := store.Open(backend, filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	s, err := store.NewStores(b)
	require.NoError(t, err)
	return s
}

func newTestOrchestrator(t *testing.T, sender ChannelSender, settings Settings, opts ...Option) (*Orchestrator, *store.Stores) {
	t.Helper()
	stores := openStores(t, store.BackendSQLite)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(mock)}, opts...)
	o := New(stores, testRouting(), testDirectory(), compose.LanguageResolver{Default: "en"}, sender, settings, opts...)
	return o, stores
}

func cyclone() models.Incident {
	return models.Incident{
		IncidentID: "cyc-1",
		Hazard:     "cyclone",
		Severity:   "emergency",
		Area:       "North Shore",
		Sections: map[string]map[string]string{
			models.SectionActions: {"en": "Shelter in place."},
		},
		AutoFill: models.AutoFill{Issuer: "Bureau", Contact: "13 00 00"},
	}
}

func TestIngest_NormalizesAndAssignsID(t *testing.T) {
	o, stores := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3})
	ctx := context.Background()

	inc := cyclone()
	inc.IncidentID = ""
	id, err := o.Ingest(ctx, inc)
	require.NoError(t, err)
	assert.Regexp(t, `^20260201060000-CYCLONE-[0-9a-f]{8}$`, id)

	got, err := stores.Incidents.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.HazardCyclone, got.Hazard)
	assert.Equal(t, models.SeverityEmergency, got.Severity)
	assert.False(t, got.IngestedAt.IsZero())

	inc.IncidentID = id
	_, err = o.Ingest(ctx, inc)
	assert.True(t, errors.Is(err, store.ErrExists))

	bad := cyclone()
	bad.Severity = "Extreme"
	_, err = o.Ingest(ctx, bad)
	assert.Error(t, err)
}

func TestRun_FallbackToEmail(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true}}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	o, stores := newTestOrchestrator(t, sender, Settings{MaxAttempts: 3, Concurrency: 2},
		WithAcknowledger(NewConfirmingChannels("email")),
		WithMetrics(m),
	)
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)

	summary, err := o.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 2, summary.Delivered)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, summary.Acks)
	assert.False(t, summary.Cancelled)

	byName := map[string]models.Delivery{}
	for _, d := range summary.Deliveries {
		byName[d.Contact.Name] = d
	}

	x := byName["X"]
	assert.Equal(t, models.StatusDelivered, x.Status)
	assert.True(t, x.Acknowledged)
	assert.Equal(t, 2, x.Attempts)
	assert.Equal(t, "email", x.LastChannel)

	y := byName["Y"]
	assert.Equal(t, models.StatusDelivered, y.Status)
	assert.Equal(t, 2, y.Attempts)

	// Y has no phone, so only X reached the sms gateway
	var smsTo []string
	for _, c := range sender.sent() {
		if c.channel == "sms" {
			smsTo = append(smsTo, c.address)
		}
	}
	assert.Equal(t, []string{"+61400000001"}, smsTo)

	ack, err := stores.Ledger.Get(ctx, id, "X")
	require.NoError(t, err)
	assert.Equal(t, "email", ack.Channel)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsCounter("sms", metrics.OutcomeSendFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsCounter("sms", metrics.OutcomeNoAddress)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsCounter("email", metrics.OutcomeAcknowledged)))
}

func TestAttempt_Transitions(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true}}
	o, stores := newTestOrchestrator(t, sender, Settings{MaxAttempts: 5})
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	plan, err := o.Plan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"sms", "email"}, plan.Channels)

	queued, err := o.Queue(ctx, plan)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, models.StatusQueued, queued[0].Status)
	dID := queued[0].DeliveryID

	// sms fails
	res, err := o.Attempt(ctx, dID, plan)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "sms", res.Channel)
	assert.Equal(t, models.StatusRetryPending, res.Status)
	assert.Equal(t, models.ReasonSendFailed, res.Reason)
	assert.Equal(t, 1, res.ChannelIndex)

	// email succeeds but nobody acknowledged
	res, err = o.Attempt(ctx, dID, plan)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetryPending, res.Status)
	assert.Equal(t, models.ReasonUnacknowledged, res.Reason)
	assert.Equal(t, 2, res.ChannelIndex)

	// channels exhausted, nothing is sent
	calls := len(sender.sent())
	res, err = o.Attempt(ctx, dID, plan)
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.ReasonNoMoreChannels, res.Reason)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, sender.sent(), calls)

	// terminal deliveries are left alone
	res, err = o.Attempt(ctx, dID, plan)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.False(t, res.Exhausted)

	d, err := stores.Deliveries.Get(ctx, dID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, 2, d.Attempts)
	require.NotNil(t, d.LastAttempt)
	assert.Equal(t, time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC), *d.LastAttempt)
}

func TestAttempt_UnknownDelivery(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3})
	res, err := o.Attempt(context.Background(), "nope", &models.TriagePlan{Channels: []string{"sms"}})
	require.NoError(t, err)
	assert.False(t, res.Found)

	res, err = o.Drive(context.Background(), "nope", &models.TriagePlan{Channels: []string{"sms"}})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestDrive_AttemptCap(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true, "email": true}}
	o, _ := newTestOrchestrator(t, sender, Settings{MaxAttempts: 1})
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	summary, err := o.Run(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Capped)
	for _, d := range summary.Deliveries {
		assert.Equal(t, models.StatusRetryPending, d.Status)
		assert.Equal(t, 1, d.Attempts)
		assert.Equal(t, 1, d.ChannelIndex)
	}
}

func TestDrive_ExhaustionNotBlockedByCap(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true, "email": true}}
	o, _ := newTestOrchestrator(t, sender, Settings{MaxAttempts: 2})
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	summary, err := o.Run(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	for _, d := range summary.Deliveries {
		assert.Equal(t, models.ReasonNoMoreChannels, d.Reason)
		assert.Equal(t, 2, d.Attempts)
		assert.False(t, d.Acknowledged)
	}
}

func TestRun_NoRecipients(t *testing.T) {
	sender := &fakeSender{}
	o, _ := newTestOrchestrator(t, sender, Settings{MaxAttempts: 3})
	ctx := context.Background()

	inc := cyclone()
	inc.IncidentID = "fire-1"
	inc.Hazard = models.HazardBushfire
	id, err := o.Ingest(ctx, inc)
	require.NoError(t, err)

	summary, err := o.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Queued)
	assert.Empty(t, summary.Deliveries)
	assert.Empty(t, sender.sent())
}

func TestRun_UnknownIncident(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3})
	_, err := o.Run(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRun_DuplicateMembershipQueuesTwice(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3},
		WithAcknowledger(NewConfirmingChannels("sms", "email")))
	ctx := context.Background()

	inc := cyclone()
	inc.IncidentID = "flood-1"
	inc.Hazard = models.HazardFlood
	inc.Severity = models.SeverityWatch
	id, err := o.Ingest(ctx, inc)
	require.NoError(t, err)

	summary, err := o.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Queued)
	assert.Equal(t, 3, summary.Delivered)
	// one ledger entry per contact
	assert.Equal(t, 2, summary.Acks)
}

func TestRun_Cancelled(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true}}
	o, _ := newTestOrchestrator(t, sender, Settings{MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	plan, err := o.Plan(ctx, id)
	require.NoError(t, err)
	queued, err := o.Queue(ctx, plan)
	require.NoError(t, err)

	cancel()
	res, err := o.Drive(ctx, queued[0].DeliveryID, plan)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, res.Status)
	assert.Equal(t, 0, res.Attempts)
	assert.Empty(t, sender.sent())
}

func TestAttempt_InFlightSurvivesCancel(t *testing.T) {
	sender := &fakeSender{entered: make(chan struct{}, 1), block: make(chan struct{})}
	o, stores := newTestOrchestrator(t, sender, Settings{MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	plan, err := o.Plan(ctx, id)
	require.NoError(t, err)
	queued, err := o.Queue(ctx, plan)
	require.NoError(t, err)
	dID := queued[0].DeliveryID

	done := make(chan *models.AttemptResult)
	go func() {
		res, _ := o.Drive(ctx, dID, plan)
		done <- res
	}()

	// cancel while the first send is under way, then let it finish
	<-sender.entered
	cancel()
	close(sender.block)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Attempts)

	d, err := stores.Deliveries.Get(context.Background(), dID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, models.StatusRetryPending, d.Status)
}

func TestRecordAck(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true, "email": true}}
	o, stores := newTestOrchestrator(t, sender, Settings{MaxAttempts: 3})
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	_, err = o.Run(ctx, id)
	require.NoError(t, err)

	n, err := o.RecordAck(ctx, id, "X", "sms")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a repeat acknowledgment changes nothing and leaves one entry
	n, err = o.RecordAck(ctx, id, "X", "voice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	acks, err := stores.Ledger.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, "voice", acks[0].Channel)

	// failed is terminal: the acknowledgment is noted but the status stays
	summary, err := o.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Delivered)
	assert.Equal(t, 2, summary.Failed)
	for _, d := range summary.Deliveries {
		assert.Equal(t, models.StatusFailed, d.Status)
		assert.Equal(t, models.ReasonNoMoreChannels, d.Reason)
		assert.Equal(t, d.Contact.Name == "X", d.Acknowledged)
	}

	_, err = o.RecordAck(ctx, "missing", "X", "sms")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRecordAck_SettlesCappedDelivery(t *testing.T) {
	sender := &fakeSender{failing: map[string]bool{"sms": true}}
	o, _ := newTestOrchestrator(t, sender, Settings{MaxAttempts: 1})
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	summary, err := o.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Capped)

	n, err := o.RecordAck(ctx, id, "Y", "email")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	summary, err = o.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, summary.Capped)
	for _, d := range summary.Deliveries {
		if d.Contact.Name == "Y" {
			assert.Equal(t, models.StatusDelivered, d.Status)
			assert.True(t, d.Acknowledged)
			assert.Empty(t, d.Reason)
		}
	}
}

func TestAttempt_KeepsReportedAck(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	o, stores := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3}, WithMetrics(m))
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	plan, err := o.Plan(ctx, id)
	require.NoError(t, err)
	queued, err := o.Queue(ctx, plan)
	require.NoError(t, err)

	// X acknowledged through another path before any attempt
	_, err = o.RecordAck(ctx, id, "X", "voice")
	require.NoError(t, err)

	var x models.Delivery
	for _, d := range queued {
		if d.Contact.Name == "X" {
			x = d
		}
	}
	d, err := stores.Deliveries.Get(ctx, x.DeliveryID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, d.Status)

	// reset the delivery so the attempt consults the ledger
	d.Status = models.StatusQueued
	d.Acknowledged = false
	require.NoError(t, stores.Deliveries.Put(ctx, d))

	res, err := o.Attempt(ctx, x.DeliveryID, plan)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, res.Status)

	ack, err := stores.Ledger.Get(ctx, id, "X")
	require.NoError(t, err)
	assert.Equal(t, "voice", ack.Channel)

	// the acknowledgment was counted once, when it was reported
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcksCounter("voice")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AcksCounter("sms")))
}

func TestIngest_EmptyChannelHintSurvivesStorage(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3})
	ctx := context.Background()

	inc := cyclone()
	inc.ChannelsHint = []string{}
	id, err := o.Ingest(ctx, inc)
	require.NoError(t, err)

	// the hint is present, so the hazard order is merged behind the override
	plan, err := o.Plan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"sms", "email", "voice"}, plan.Channels)

	noHint := cyclone()
	noHint.IncidentID = "cyc-no-hint"
	id, err = o.Ingest(ctx, noHint)
	require.NoError(t, err)
	plan, err = o.Plan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"sms", "email"}, plan.Channels)
}

func TestQueue_KeepsDirectoryOrder(t *testing.T) {
	stores := openStores(t, store.BackendBolt)
	var members []models.Contact
	for i := 0; i < 20; i++ {
		members = append(members, models.Contact{Name: fmt.Sprintf("contact-%02d", i), Email: "c@example.org"})
	}
	o := New(stores, testRouting(), recipients.Directory{"north_shore": members},
		compose.LanguageResolver{}, &fakeSender{}, Settings{MaxAttempts: 1}, WithClock(clock.NewMock()))
	ctx := context.Background()

	id, err := o.Ingest(ctx, cyclone())
	require.NoError(t, err)
	plan, err := o.Plan(ctx, id)
	require.NoError(t, err)
	_, err = o.Queue(ctx, plan)
	require.NoError(t, err)

	stored, err := o.Deliveries(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, len(members))
	for i, d := range stored {
		assert.Equal(t, members[i].Name, d.Contact.Name)
		assert.Equal(t, i, d.Seq)
	}
}

func TestRun_ConcurrentIncidents(t *testing.T) {
	o, stores := newTestOrchestrator(t, &fakeSender{}, Settings{MaxAttempts: 3, Concurrency: 4},
		WithAcknowledger(NewConfirmingChannels("sms", "email")))
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		inc := cyclone()
		inc.IncidentID = id
		_, err := o.Ingest(ctx, inc)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := o.Run(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	all, err := stores.Deliveries.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 8)
	for _, d := range all {
		assert.Equal(t, models.StatusDelivered, d.Status)
	}
	acks, err := stores.Ledger.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, acks, 8)
}

func TestAnyOf(t *testing.T) {
	stores := openStores(t, store.BackendBolt)
	ctx := context.Background()
	d := &models.Delivery{IncidentID: "i", Contact: models.Contact{Name: "X"}}
	acker := AnyOf{NewConfirmingChannels("voice"), LedgerAcknowledger{Ledger: stores.Ledger}}

	ok, err := acker.Acknowledged(ctx, d, "sms")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = acker.Acknowledged(ctx, d, "voice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, stores.Ledger.Record(ctx, models.Acknowledgment{IncidentID: "i", ContactName: "X", Channel: "sms"}))
	ok, err = acker.Acknowledged(ctx, d, "sms")
	require.NoError(t, err)
	assert.True(t, ok)

	failing := AcknowledgerFunc(func(context.Context, *models.Delivery, string) (bool, error) {
		return false, errors.New("boom")
	})
	_, err = AnyOf{failing}.Acknowledged(ctx, d, "sms")
	assert.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("d")
			mu.Lock()
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, k.locks)
}
