package channels

import (
	"context"
	"crypto/tls"

	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"
)

// Dialer opens an SMTP session. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// Email sends alerts over SMTP
type Email struct {
	dialer Dialer
	from   string
}

// NewEmail creates an email sender using dialer.
func NewEmail(dialer Dialer, from string) *Email {
	return &Email{dialer: dialer, from: from}
}

// NewSMTPDialer builds the gomail dialer for host.
func NewSMTPDialer(host string, port int, username, password string, noVerify bool) *gomail.Dialer {
	var d *gomail.Dialer
	if username == "" {
		d = &gomail.Dialer{Host: host, Port: port}
	} else {
		d = gomail.NewDialer(host, port, username, password)
	}
	if noVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

func (e *Email) Send(_ context.Context, address, subject, body string) error {
	if address == "" {
		return ErrNoAddress
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", address)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	s, err := e.dialer.Dial()
	if err != nil {
		return errors.Wrap(err, "dialing SMTP server")
	}
	defer s.Close()

	if err := gomail.Send(s, m); err != nil {
		return errors.Wrap(err, "sending email")
	}
	return nil
}
