// Package notify delivers rendered messages to principals. The identity core
// treats delivery as best effort: a failed send never rolls back the token it
// carries.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"erpid.org/internal/ids"
	"erpid.org/internal/obs"
)

// Message is a fully rendered notification.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
	ReplyTo  string
}

// Validate checks the fields every sender needs.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("notify: recipient is required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("notify: subject is required")
	}
	if m.TextBody == "" && m.HTMLBody == "" {
		return errors.New("notify: body is required")
	}
	if strings.ContainsAny(m.To+m.ReplyTo+m.Subject, "\r\n") {
		return errors.New("notify: header fields must not contain line breaks")
	}
	return nil
}

// Sender hands a message to a delivery channel and returns an opaque
// delivery id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogSender writes messages to the service log instead of delivering them.
// Bodies are omitted since they carry live tokens.
type LogSender struct {
	Log logrus.FieldLogger
}

func (s LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	log := s.Log
	if log == nil {
		log = obs.Logger()
	}
	id := ids.New()
	log.WithFields(logrus.Fields{
		"delivery_id": id,
		"to":          msg.To,
		"subject":     msg.Subject,
	}).Info("notification logged")
	return id, nil
}

// Recorder keeps sent messages in memory. Err, when set, fails every send.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

func (r *Recorder) Send(ctx context.Context, msg Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	r.sent = append(r.sent, msg)
	return ids.New(), nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// Last returns the most recent message sent to addr.
func (r *Recorder) Last(addr string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if strings.EqualFold(r.sent[i].To, addr) {
			return r.sent[i], true
		}
	}
	return Message{}, false
}
