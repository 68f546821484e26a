package room

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// link is the slice of the websocket API the coordinator uses. It exists
// so room behavior is testable without a network socket; *websocket.Conn
// satisfies it directly.
type link interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

var _ link = (*websocket.Conn)(nil)

// Accept upgrades HTTP to websocket (allow all origins)
func Accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
}
