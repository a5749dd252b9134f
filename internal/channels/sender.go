// Package channels holds the transmission mechanisms for each channel.
// Channel-specific formatting, such as fragmenting bodies for mesh radio,
// happens here and is invisible to the orchestrator.
package channels

import (
	"context"
	"io"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownChannel is returned when no sender is registered for a channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoAddress is returned by addressed channels given an empty address.
	ErrNoAddress = errors.New("no address for channel")
)

// Sender attempts to deliver one message. Broadcast senders ignore address.
type Sender interface {
	Send(ctx context.Context, address, subject, body string) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, address, subject, body string) error

func (f SenderFunc) Send(ctx context.Context, address, subject, body string) error {
	return f(ctx, address, subject, body)
}

// Registry maps channel names to senders
type Registry struct {
	senders map[string]Sender
	closers []io.Closer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: map[string]Sender{}}
}

// Register sets the sender for channel. If s is an io.Closer it is closed with the registry.
func (r *Registry) Register(channel string, s Sender) {
	r.senders[channel] = s
	if c, ok := s.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}
}

// Send delivers through the sender registered for channel.
func (r *Registry) Send(ctx context.Context, channel, address, subject, body string) error {
	s, ok := r.senders[channel]
	if !ok {
		return errors.Wrap(ErrUnknownChannel, channel)
	}
	return s.Send(ctx, address, subject, body)
}

// Channels lists the registered channel names.
func (r *Registry) Channels() []string {
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases provider connections.
func (r *Registry) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// oneLine joins subject and body the way SMS-like channels render them.
func oneLine(subject, body string) string {
	if subject == "" {
		return body
	}
	return subject + " | " + body
}
