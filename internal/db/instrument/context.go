package instrument

import "context"

type ctxKey struct{}

// NewContext returns a context carrying q. Request middleware installs the
// per-request instrumented querier here so repositories pick it up without
// being rebuilt per request.
func NewContext(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, ctxKey{}, q)
}

// FromContext returns the querier installed by NewContext, or fallback when
// the context carries none.
func FromContext(ctx context.Context, fallback Querier) Querier {
	if q, ok := ctx.Value(ctxKey{}).(Querier); ok && q != nil {
		return q
	}
	return fallback
}
