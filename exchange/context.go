package exchange

import "context"

type clientKey struct{}

// NewContext returns a context carrying c as the ambient exchange client.
// Runtimes establish this binding for the duration of a dispatch or loop
// scope; handles consult it at invocation time. The binding is always
// call-scoped, never a package global.
func NewContext(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// FromContext returns the ambient exchange client, if any.
func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*Client)
	return c, ok
}
