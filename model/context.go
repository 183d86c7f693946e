package model

import "context"

// RequestContext is what the HTTP layer learned about the caller: the
// directory user id taken from the verified token subject, plus the ids
// that tie log lines, spans and audit rows back to one request. It is
// built once per request and never mutated.
type RequestContext struct {
	UserID         string
	CorrelationID  string
	TraceID        string
	IdempotencyKey string
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the request context, or nil outside a request.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind
// authentication. It panics when the middleware did not run.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx
	}
	panic("model: no RequestContext; handler mounted outside the auth group")
}
