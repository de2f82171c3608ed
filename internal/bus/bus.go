// Package bus carries room broadcast frames between API instances. The
// channel is best-effort and non-durable; the persisted record, not the bus,
// is the source of truth for page state.
package bus

import "context"

// Bridge fans room frames out to peer instances. Publish never blocks on
// remote delivery; frames published here are re-delivered to the local hub
// through the handler passed to Run.
type Bridge interface {
	Publish(ctx context.Context, room string, data []byte) error
	Run(ctx context.Context, deliver func(room string, data []byte)) error
	Close() error
}

// Local is the single-process bridge: publishing is a no-op because the hub
// already delivered the frame to every local connection.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (*Local) Publish(context.Context, string, []byte) error { return nil }

func (*Local) Run(ctx context.Context, _ func(string, []byte)) error {
	<-ctx.Done()
	return nil
}

func (*Local) Close() error { return nil }
