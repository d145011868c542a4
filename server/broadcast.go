package server

import (
	"context"

	"go.uber.org/zap"
)

// Broadcaster delivers output chunks to every connection in a Registry.
// It is an io.Writer so that it can be handed directly to a process as its stderr.
type Broadcaster struct {
	log      *zap.SugaredLogger
	ctx      context.Context
	registry *Registry
}

// NewBroadcaster returns a Broadcaster whose Write calls send with ctx.
// Cancelling ctx aborts any in-flight sends.
func NewBroadcaster(ctx context.Context, log *zap.SugaredLogger, registry *Registry) *Broadcaster {
	return &Broadcaster{
		log:      log,
		ctx:      ctx,
		registry: registry,
	}
}

// Broadcast sends the chunk to every connection present in the registry at call time,
// and returns the number of connections that accepted it.
// Transports registered by the Server only queue the chunk, so a stalled client does not hold up the others.
// A failed send is skipped; removal is left to the connection's own close handling.
func (b *Broadcaster) Broadcast(ctx context.Context, chunk []byte) int {
	conns := b.registry.Snapshot()
	delivered := 0
	for _, c := range conns {
		err := c.Transport.Send(ctx, chunk)
		if err != nil {
			b.log.Debugf("error sending %d bytes to conn %d: %s", len(chunk), c.ID, err)
			continue
		}
		delivered++
	}
	b.log.Debugw("broadcast chunk", "Bytes", len(chunk), "Conns", len(conns), "Delivered", delivered)
	return delivered
}

// Write broadcasts a copy of p. It never fails, because a failing client must not break the writer's source.
func (b *Broadcaster) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.Broadcast(b.ctx, chunk)
	return len(p), nil
}
