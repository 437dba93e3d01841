package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// MonitorFeed yields raw monitor event payloads for one exam.
type MonitorFeed interface {
	Watch(ctx context.Context, examID string) (<-chan []byte, func(), error)
}

type WSHandler struct {
	sessions services.AudioSessionService
	chunks   services.ChunkService
	feed     MonitorFeed
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(sessions services.AudioSessionService, chunks services.ChunkService, feed MonitorFeed, log *logrus.Logger, checkOrigin func(r *http.Request) bool) *WSHandler {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WSHandler{
		sessions: sessions,
		chunks:   chunks,
		feed:     feed,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

type wsClientMsg struct {
	Action    string          `json:"action"`
	Type      string          `json:"type"`
	ChunkID   string          `json:"chunk_id"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type wsServerMsg struct {
	Type      string          `json:"type"`
	ExamID    string          `json:"exam_id,omitempty"`
	ChunkID   string          `json:"chunk_id,omitempty"`
	URL       *string         `json:"url,omitempty"`
	ExpiresIn int             `json:"expires_in,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) write(typ int, b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.c.WriteMessage(typ, b)
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, b)
}

// Monitor streams new flags for one exam to its teacher.
func (h *WSHandler) Monitor(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	examID := c.Param("exam_id")
	if examID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "WSHandler.Monitor", "missing exam_id", nil))
		return
	}
	if err := h.sessions.CheckMonitor(c.Request.Context(), u, examID); err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, stop, err := h.feed.Watch(ctx, examID)
	if err != nil {
		writeError(c, utils.E(utils.CodeUnavailable, "WSHandler.Monitor", "monitoring feed unavailable", err))
		return
	}
	defer stop()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response
		return
	}
	defer conn.Close()

	log := h.log.WithFields(logrus.Fields{"exam_id": examID, "user_id": u.ID})
	log.Info("monitor connected")
	defer log.Info("monitor disconnected")

	wc := &wsConn{c: conn}
	_ = wc.writeJSON(wsServerMsg{Type: "monitoring_joined", ExamID: examID, Message: "Successfully joined monitoring"})

	// reader: client actions
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

			var msg wsClientMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = wc.writeJSON(wsServerMsg{Type: "error", Message: "Invalid JSON format"})
				continue
			}
			action := msg.Action
			if action == "" {
				action = msg.Type
			}

			switch action {
			case "heartbeat":
				_ = wc.writeJSON(wsServerMsg{Type: "heartbeat_response", Timestamp: msg.Timestamp})
			case "request_audio_playback":
				reply := wsServerMsg{Type: "audio_playback_url", ChunkID: msg.ChunkID}
				if link, err := h.chunks.PlaybackLink(ctx, u, msg.ChunkID); err == nil {
					reply.URL = &link.URL
					reply.ExpiresIn = link.ExpiresIn
				} else {
					log.WithError(err).WithField("chunk_id", msg.ChunkID).Warn("playback url refused")
				}
				_ = wc.writeJSON(reply)
			default:
				_ = wc.writeJSON(wsServerMsg{Type: "error", Message: "unknown action"})
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	// writer: feed -> WS
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := wc.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case payload, ok := <-events:
			if !ok {
				return
			}
			if err := wc.write(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
