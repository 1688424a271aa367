package eventbus

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

// Connection tuning, grounded on the teacher's gateway/websocket/client.go
// write pump.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ServeConn pumps every event from sub to conn as a text frame until sub
// is closed (subscription torn down or Bus shut down) or a write fails.
// It owns conn for the duration of the call and closes it on return.
// Callers run this in its own goroutine per accepted connection; it never
// reads from conn (incoming control frames, if any, are the caller's
// concern via a separate read pump, out of scope for the Event Fabric).
func ServeConn(conn *websocket.Conn, sub <-chan coreloop.Event, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "eventbus-conn"))
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("failed to close event stream connection", zap.Error(err))
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := Encode(ev)
			if err != nil {
				log.WithError(err).Error("failed to encode event for wire", zap.String("kind", string(ev.Kind)))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("failed to write event to connection", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
