package notify

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// InvitationData fills the invitation message.
type InvitationData struct {
	AppName   string
	FirstName string
	Portal    string
	URL       string
	ExpiresAt time.Time
}

// ResetData fills the password reset message.
type ResetData struct {
	AppName   string
	FirstName string
	URL       string
	ExpiresAt time.Time
}

const invitationText = `Hello {{.FirstName}},

You have been invited to {{.AppName}} ({{.Portal}}).
Set your password to activate your account:

{{.URL}}

This link expires on {{.ExpiresAt.Format "2006-01-02 15:04 MST"}}.
`

const invitationHTML = `<p>Hello {{.FirstName}},</p>
<p>You have been invited to <strong>{{.AppName}}</strong> ({{.Portal}}).</p>
<p><a href="{{.URL}}">Set your password</a> to activate your account.</p>
<p>This link expires on {{.ExpiresAt.Format "2006-01-02 15:04 MST"}}.</p>
`

const resetText = `Hello {{.FirstName}},

A password reset was requested for your {{.AppName}} account.
Choose a new password here:

{{.URL}}

The link expires on {{.ExpiresAt.Format "2006-01-02 15:04 MST"}}. If you did not ask for this, ignore this message.
`

const resetHTML = `<p>Hello {{.FirstName}},</p>
<p>A password reset was requested for your <strong>{{.AppName}}</strong> account.</p>
<p><a href="{{.URL}}">Choose a new password</a>.</p>
<p>The link expires on {{.ExpiresAt.Format "2006-01-02 15:04 MST"}}. If you did not ask for this, ignore this message.</p>
`

// Renderer turns workflow data into messages.
type Renderer struct {
	appName string
	replyTo string

	inviteText *texttemplate.Template
	inviteHTML *htmltemplate.Template
	resetText  *texttemplate.Template
	resetHTML  *htmltemplate.Template
}

func NewRenderer(appName, replyTo string) *Renderer {
	if strings.TrimSpace(appName) == "" {
		appName = "ERP"
	}
	return &Renderer{
		appName:    appName,
		replyTo:    replyTo,
		inviteText: texttemplate.Must(texttemplate.New("invite.txt").Parse(invitationText)),
		inviteHTML: htmltemplate.Must(htmltemplate.New("invite.html").Parse(invitationHTML)),
		resetText:  texttemplate.Must(texttemplate.New("reset.txt").Parse(resetText)),
		resetHTML:  htmltemplate.Must(htmltemplate.New("reset.html").Parse(resetHTML)),
	}
}

func (r *Renderer) Invitation(to string, d InvitationData) (Message, error) {
	if d.AppName == "" {
		d.AppName = r.appName
	}
	var text, html bytes.Buffer
	if err := r.inviteText.Execute(&text, d); err != nil {
		return Message{}, err
	}
	if err := r.inviteHTML.Execute(&html, d); err != nil {
		return Message{}, err
	}
	return Message{
		To:       to,
		Subject:  "You're invited to " + d.AppName,
		TextBody: text.String(),
		HTMLBody: html.String(),
		ReplyTo:  r.replyTo,
	}, nil
}

func (r *Renderer) PasswordReset(to string, d ResetData) (Message, error) {
	if d.AppName == "" {
		d.AppName = r.appName
	}
	var text, html bytes.Buffer
	if err := r.resetText.Execute(&text, d); err != nil {
		return Message{}, err
	}
	if err := r.resetHTML.Execute(&html, d); err != nil {
		return Message{}, err
	}
	return Message{
		To:       to,
		Subject:  d.AppName + " password reset",
		TextBody: text.String(),
		HTMLBody: html.String(),
		ReplyTo:  r.replyTo,
	}, nil
}
