package mailauth

import "context"

var ctxkey = &struct{ n string }{"mailauth"}

// With returns a copy of the context with the Gate as a value.
func With(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, ctxkey, g)
}

// Get retrieves the Gate stored on the context with [With], returning nil if
// there is no Gate stored.
func Get(ctx context.Context) *Gate {
	g, ok := ctx.Value(ctxkey).(*Gate)
	if !ok {
		return nil
	}
	return g
}

// MustGet works like [Get], but will panic if there is no Gate.
func MustGet(ctx context.Context) *Gate {
	g := Get(ctx)
	if g == nil {
		panic("mailauth.MustGet: no Gate on context")
	}
	return g
}
