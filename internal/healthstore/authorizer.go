package healthstore

import "context"

// Authorizer decides whether heart rate data may be read. Authorize may block
// (a BLE strap connects here) and should honour ctx.
type Authorizer interface {
	Authorize(ctx context.Context) (bool, error)
}

type AuthorizerFunc func(ctx context.Context) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context) (bool, error) {
	return f(ctx)
}

// StaticAuthorizer always answers granted
func StaticAuthorizer(granted bool) Authorizer {
	return AuthorizerFunc(func(context.Context) (bool, error) {
		return granted, nil
	})
}
