package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"erpid.org/internal/auth"
	"erpid.org/internal/obs"
)

// Event names emitted by the identity workflows.
const (
	EventLoginSucceeded     = "auth.login_succeeded"
	EventLoginFailed        = "auth.login_failed"
	EventInvitationSent     = "auth.invitation_sent"
	EventInvitationAccepted = "auth.invitation_accepted"
	EventResetRequested     = "auth.password_reset_requested"
	EventResetCompleted     = "auth.password_reset_completed"
	EventPrincipalDisabled  = "admin.principal_disabled"
	EventPrincipalEnabled   = "admin.principal_enabled"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and session context.
// Callers must not pass secrets (passwords, raw tokens, hashes) in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if s, ok := auth.SessionFromContext(ctx); ok {
		entry["actor_id"] = s.PrincipalID()
		entry["actor_role"] = string(s.Role)
		entry["portal"] = string(s.Portal)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info("audit")
	return nil
}
