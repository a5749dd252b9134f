package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Gateway posts messages to an HTTP SMS or voice provider.
type Gateway struct {
	url      string
	token    string
	maxChars int
	client   *http.Client
}

// NewGateway creates a provider sender. maxChars of zero sends the full text.
func NewGateway(url, token string, timeout time.Duration, maxChars int) *Gateway {
	return &Gateway{
		url:      url,
		token:    token,
		maxChars: maxChars,
		client:   &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *Gateway) Send(ctx context.Context, address, subject, body string) error {
	if address == "" {
		return ErrNoAddress
	}

	text := oneLine(subject, body)
	if g.maxChars > 0 {
		text = truncate(text, g.maxChars)
	}
	payload, err := json.Marshal(gatewayRequest{To: address, Message: text})
	if err != nil {
		return errors.Wrap(err, "encoding gateway request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "building gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling gateway")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
