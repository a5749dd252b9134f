package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/store"
	"hazard-orchestrator/internal/triage"
)

const sample = `
channels:
  order_default: [email, sms]
  order_by_hazard:
    flood: [sms, email]
routing:
  rules:
    CYCLONE:
      recipients: [north_shore]
      severity_channels:
        emergency: [voice, sms]
contacts:
  groups:
    north_shore:
      - {name: X, phone: "+61400000001", email: x@example.org}
      - {name: Y, email: y@example.org}
dispatch:
  confirming_channels: [voice]
  ack_window: 90s
language:
  rules:
    - {name_contains: Saibai, lang: kkya}
`

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "localhost:7233", c.Temporal.HostPort)
	assert.Equal(t, "hazard-dispatch", c.Temporal.TaskQueue)
	assert.Equal(t, store.BackendSQLite, c.Store.Backend)
	assert.Equal(t, 3, c.RetryPolicy.MaxAttempts)
	assert.Equal(t, 8, c.Dispatch.Concurrency)
	assert.Equal(t, "en", c.Language.Default)
	assert.Equal(t, triage.GlobalDefaultOrder, c.Channels.OrderDefault)
	assert.Equal(t, 200, c.Meshtastic.MaxChars)
	assert.Equal(t, Default(), *c)
}

func TestParse_Sample(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, c.Dispatch.AckWindow)

	r := c.TriageRouting()
	assert.Equal(t, []string{"email", "sms"}, r.DefaultOrder)
	assert.Equal(t, []string{"sms", "email"}, r.OrderByHazard[models.HazardFlood])
	rule := r.Rules[models.HazardCyclone]
	assert.Equal(t, []string{"north_shore"}, rule.Recipients)
	assert.Equal(t, []string{"voice", "sms"}, rule.SeverityChannels[models.SeverityEmergency])

	dir := c.Directory()
	require.Len(t, dir["north_shore"], 2)
	assert.Equal(t, "+61400000001", dir["north_shore"][0].Phone)
	assert.Empty(t, dir["north_shore"][1].Phone)

	lr := c.LanguageResolver()
	assert.Equal(t, "en", lr.Default)
	require.Len(t, lr.Rules, 1)
	assert.Equal(t, "kkya", lr.Rules[0].Lang)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown channel", "channels: {order_default: [pigeon]}"},
		{"unknown hazard channel", "channels: {order_by_hazard: {FLOOD: [fax]}}"},
		{"unknown severity", "routing: {rules: {FLOOD: {severity_channels: {Extreme: [sms]}}}}"},
		{"unknown backend", "store: {backend: mongo}"},
		{"contact without name", "contacts: {groups: {g: [{email: a@b}]}}"},
		{"bad confirming channel", "dispatch: {confirming_channels: [telex]}"},
		{"malformed", "channels: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Contacts.Groups, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Contains(t, c.Contacts.Groups, "north_shore")
	assert.True(t, c.Dispatch.DryRun)
}
