package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod   = 10 * time.Second
	pongDeadline = 60 * time.Second
)

// KeepAlive pings the peer on a ticker and extends the read deadline
// on every pong. Run as a goroutine per connection; it returns when a
// ping fails, which makes the read loop fail in turn.
func KeepAlive(conn *websocket.Conn, client *Client, logger *zap.Logger) {
	conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := client.Ping(); err != nil {
			logger.Debug("keepalive ping failed", zap.String("connId", client.ID), zap.Error(err))
			return
		}
	}
}
