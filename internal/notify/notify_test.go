package notify

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"mime/multipart"
	"net/mail"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

func sampleMessage() Message {
	return Message{To: "jane@co.com", Subject: "Hi", TextBody: "plain", HTMLBody: "<p>html</p>"}
}

func TestMessageValidate(t *testing.T) {
	assert.NoError(t, sampleMessage().Validate())

	m := sampleMessage()
	m.To = " "
	assert.Error(t, m.Validate())

	m = sampleMessage()
	m.TextBody, m.HTMLBody = "", ""
	assert.Error(t, m.Validate())
}

func TestRendererInvitation(t *testing.T) {
	r := NewRenderer("Acme ERP", "support@acme.test")
	expires := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)
	msg, err := r.Invitation("jane@co.com", InvitationData{
		FirstName: "Jane",
		Portal:    "EMPLOYEE_PORTAL",
		URL:       "https://erp.test/accept-invitation?token=abc&x=<y>",
		ExpiresAt: expires,
	})
	require.NoError(t, err)

	assert.Equal(t, "jane@co.com", msg.To)
	assert.Equal(t, "support@acme.test", msg.ReplyTo)
	assert.Equal(t, "You're invited to Acme ERP", msg.Subject)
	assert.Contains(t, msg.TextBody, "https://erp.test/accept-invitation?token=abc&x=<y>")
	assert.Contains(t, msg.TextBody, "2025-05-01 12:30 UTC")
	assert.NotContains(t, msg.HTMLBody, "<y>", "html body must escape the url")
	assert.Contains(t, msg.HTMLBody, "<strong>Acme ERP</strong>")
}

func TestRendererPasswordResetDefaultsAppName(t *testing.T) {
	r := NewRenderer("", "")
	msg, err := r.PasswordReset("a@b.co", ResetData{FirstName: "A", URL: "https://x/reset-password?token=t"})
	require.NoError(t, err)
	assert.Equal(t, "ERP password reset", msg.Subject)
	assert.Contains(t, msg.TextBody, "https://x/reset-password?token=t")
	assert.Empty(t, msg.ReplyTo)
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	id, err := rec.Send(context.Background(), sampleMessage())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	last, ok := rec.Last("JANE@co.com")
	require.True(t, ok)
	assert.Equal(t, "Hi", last.Subject)
	assert.Len(t, rec.Sent(), 1)

	rec.Err = errors.New("down")
	_, err = rec.Send(context.Background(), sampleMessage())
	assert.Error(t, err)
	assert.Len(t, rec.Sent(), 1)
}

type blockingSender struct{ release chan struct{} }

func (b blockingSender) Send(ctx context.Context, msg Message) (string, error) {
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestDispatcherSendTimesOut(t *testing.T) {
	d := NewDispatcher(blockingSender{release: make(chan struct{})}, 20*time.Millisecond)
	_, err := d.Send(context.Background(), "invitation", sampleMessage())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchSurvivesCallerCancel(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(rec, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Dispatch(ctx, "password_reset", sampleMessage())
	waitCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, d.Wait(waitCtx))
	assert.Len(t, rec.Sent(), 1)
}

func TestDispatcherWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(blockingSender{release: release}, time.Minute)
	d.Dispatch(context.Background(), "invitation", sampleMessage())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, d.Wait(context.Background()))
}

func TestSMTPSenderBuildsMultipart(t *testing.T) {
	var sent *gomail.Msg
	s := NewSMTPSender(SMTPConfig{
		Host: "smtp.acme.test", Port: 587, Username: "mailer", Password: "pw",
		From: "ERP <no-reply@acme.test>", ReplyTo: "support@acme.test",
	})
	s.deliver = func(_ context.Context, m *gomail.Msg) error {
		sent = m
		return nil
	}

	id, err := s.Send(context.Background(), sampleMessage())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NotNil(t, sent)

	var raw bytes.Buffer
	_, err = sent.WriteTo(&raw)
	require.NoError(t, err)
	parsed, err := mail.ReadMessage(&raw)
	require.NoError(t, err)

	to, err := mail.ParseAddress(parsed.Header.Get("To"))
	require.NoError(t, err)
	assert.Equal(t, "jane@co.com", to.Address)
	replyTo, err := mail.ParseAddress(parsed.Header.Get("Reply-To"))
	require.NoError(t, err)
	assert.Equal(t, "support@acme.test", replyTo.Address)
	assert.Equal(t, "<"+id+"@acme.test>", parsed.Header.Get("Message-ID"))

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", mediaType)
	mr := multipart.NewReader(parsed.Body, params["boundary"])
	var types []string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		require.NoError(t, err)
		types = append(types, ct)
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
}

func TestSMTPSenderRejectsHeaderInjection(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 25, From: "a@b.co"})
	delivered := false
	s.deliver = func(context.Context, *gomail.Msg) error {
		delivered = true
		return nil
	}

	msg := sampleMessage()
	msg.To = "a@b.com\r\nBcc: attacker@evil.test"
	_, err := s.Send(context.Background(), msg)
	assert.Error(t, err)

	msg = sampleMessage()
	msg.Subject = "Hi\r\nBcc: attacker@evil.test"
	_, err = s.Send(context.Background(), msg)
	assert.Error(t, err)

	msg = sampleMessage()
	msg.To = "not an address"
	_, err = s.Send(context.Background(), msg)
	assert.ErrorContains(t, err, "recipient address")
	assert.False(t, delivered)
}

func TestSMTPSenderWrapsRelayError(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 25, From: "a@b.co"})
	s.deliver = func(context.Context, *gomail.Msg) error { return errors.New("550 rejected") }
	_, err := s.Send(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp send")
}
