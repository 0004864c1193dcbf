package delivery

import "context"

// Transport sends one message. Failures carry errutil's transient or
// permanent delivery kind.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
