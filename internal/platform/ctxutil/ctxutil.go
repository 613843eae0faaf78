// Package ctxutil carries per-request data through context.Context without
// leaking gin types into services.
package ctxutil

import "context"

type requestDataKey struct{}

// RequestData is attached by the request-context middleware and read by the
// access logger and handlers.
type RequestData struct {
	// RequestID is the inbound trusted request id or a freshly generated one.
	RequestID string
	// ClientIP is the resolved client address per the proxy trust policy.
	ClientIP string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	rd, _ := ctx.Value(requestDataKey{}).(*RequestData)
	return rd
}
