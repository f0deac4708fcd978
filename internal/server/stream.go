package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/patching"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	requestWait    = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// Stream frame types.
const (
	FrameLog    = "log"
	FrameResult = "result"
	FrameError  = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// patchStream runs a patch workflow over a WebSocket. The client sends the
// PatchRequest as its first message, receives one log frame per line and
// a final result frame.
func (s *Server) patchStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(requestWait))

	var req models.PatchRequest
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("stream closed before request", zap.Error(err))
		return
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendFrame(conn, models.StreamMessage{Type: FrameError, Error: "invalid JSON request: " + err.Error()})
		s.closeStream(conn, websocket.CloseUnsupportedData)
		return
	}
	if missing := req.Missing(); len(missing) > 0 {
		s.sendFrame(conn, models.StreamMessage{Type: FrameError, Error: "missing required fields: " + strings.Join(missing, ", ")})
		s.closeStream(conn, websocket.ClosePolicyViolation)
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only watches for the client going away so the run can be
	// cancelled. The handler goroutine is the sole writer.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	broken := false
	onLog := func(line string) {
		if broken {
			return
		}
		if err := s.sendFrame(conn, models.StreamMessage{Type: FrameLog, Line: line}); err != nil {
			broken = true
			cancel()
		}
	}

	state := s.patcher.Run(ctx, patching.VMInfo(req), onLog)
	if broken {
		return
	}
	result := state.Response()
	if err := s.sendFrame(conn, models.StreamMessage{Type: FrameResult, Result: &result}); err != nil {
		return
	}
	s.closeStream(conn, websocket.CloseNormalClosure)
}

func (s *Server) sendFrame(conn *websocket.Conn, msg models.StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("stream write failed", zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) closeStream(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
