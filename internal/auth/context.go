package auth

import "context"

type contextKey struct{}

// RequestContext carries per-request identity set by middleware.
type RequestContext struct {
	RequestID string
	// Admin is true once the request presented the support API token.
	Admin bool
}

func WithRequest(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}

func RequestID(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.RequestID
}

// WithAdmin marks the request as authenticated for the support API, keeping
// any request id already present.
func WithAdmin(ctx context.Context) context.Context {
	rc, _ := FromContext(ctx)
	rc.Admin = true
	return WithRequest(ctx, rc)
}

func IsAdmin(ctx context.Context) bool {
	rc, _ := FromContext(ctx)
	return rc.Admin
}
