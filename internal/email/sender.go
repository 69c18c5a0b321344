package email

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"
)

//go:embed templates/welcome.html
var welcomeHTML string

var welcomeTmpl = template.Must(template.New("welcome").Parse(welcomeHTML))

const welcomeSubject = "Welcome aboard!"

type Sender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// RenderWelcome renders the welcome email body for a recipient.
func RenderWelcome(to string) (string, error) {
	var body bytes.Buffer
	if err := welcomeTmpl.Execute(&body, struct{ Email string }{Email: to}); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return body.String(), nil
}

// SendWelcome delivers the welcome email to a single recipient.
//
// Only the dial is retried with backoff: a failed dial cannot have
// transmitted anything, so retrying it keeps the delivery attempt
// at-most-once. Once the message itself has been handed to the relay,
// any error is final for this attempt.
func (s *Sender) SendWelcome(ctx context.Context, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := RenderWelcome(to)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", welcomeSubject)
	m.SetBody("text/html", body)

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)

	var sc gomail.SendCloser
	dial := func() error {
		var err error
		sc, err = d.Dial()
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second

	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("smtp dial error: %w", err)
	}
	defer sc.Close()

	if err := gomail.Send(sc, m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
