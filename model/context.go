package model

import (
	"context"
	"errors"
)

// RequestContext is the authenticated caller behind an HTTP request or a
// collaboration socket. Handlers treat it as read-only once the auth
// middleware has attached it.
type RequestContext struct {
	SubjectID     string
	Name          string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

var errNoSubject = errors.New("request context: subject id is empty")

// Validate reports whether the caller can be attributed in audit records.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errNoSubject
	}
	return nil
}

// DisplayName is what the caller is shown as in presence lists and
// notifications: name, then email, then the bare subject id.
func (rc *RequestContext) DisplayName() string {
	for _, s := range []string{rc.Name, rc.Email} {
		if s != "" {
			return s
		}
	}
	return rc.SubjectID
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns nil outside authenticated requests.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// SubjectFrom returns the authenticated subject id, or "" for background
// work such as the overdue appeal notifier.
func SubjectFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.SubjectID
	}
	return ""
}
