package venue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/basisflow/hedge-engine/core/types"
)

// streamBuffer sizes the normalized event channels. Ingestion drains promptly;
// the buffer rides out bursts around venue reconnects.
const streamBuffer = 256

// wsConn is the slice of *websocket.Conn the streams use; tests substitute a
// scripted connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// wsDialer opens one websocket connection. Production dials with
// gorilla/websocket; tests return fakes.
type wsDialer func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	return conn, nil
}

// newStreamBackOff is the reconnect policy: exponential from one second,
// capped, never giving up while the process runs.
func newStreamBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// emit delivers one normalized event, giving up only when ctx ends.
func emit(ctx context.Context, ch chan<- types.OrderEvent, event types.OrderEvent) error {
	select {
	case ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keepAlive sends the venue's application-level ping until ctx ends, closing
// the connection when it does so the read loop unblocks.
func keepAlive(ctx context.Context, conn wsConn, interval time.Duration, ping any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteJSON(ping); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
