package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/smallnest/ringbuffer"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10 // must be < pongWait
	streamMaxMsgSize = 512

	// streamSendBuffer is the per-client queue depth. A client that falls
	// this far behind is disconnected.
	streamSendBuffer = 64
	// streamReplayLines caps how many recent transitions a new client gets.
	streamReplayLines = streamSendBuffer / 2
	// streamReplayBytes bounds the encoded transitions kept for replay.
	streamReplayBytes = 32 * 1024

	streamEventTransition = "transition"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin rejects browser upgrades from other sites. Clients that send no
// Origin (CLI tools, other services) are allowed.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// TransitionSource delivers alert transitions. *alerting.TransitionBus
// implements it.
type TransitionSource interface {
	Subscribe(handler alerting.TransitionHandler)
}

// StreamMessage is the envelope of every websocket frame.
type StreamMessage struct {
	Event string          `json:"event"`
	Data  TransitionEvent `json:"data"`
}

// TransitionEvent is the wire form of one alert transition.
type TransitionEvent struct {
	Kind             alerting.TransitionKind `json:"kind"`
	AlertID          string                  `json:"alert_id"`
	SensorID         string                  `json:"sensor_id"`
	AlertType        entities.AlertType      `json:"alert_type"`
	Severity         entities.Severity       `json:"severity"`
	PreviousSeverity entities.Severity       `json:"previous_severity,omitempty"`
	Title            string                  `json:"title"`
	ResolutionType   entities.ResolutionType `json:"resolution_type,omitempty"`
	Suppressed       bool                    `json:"suppressed,omitempty"`
	Timestamp        time.Time               `json:"timestamp"`
}

func newTransitionEvent(t *alerting.Transition) TransitionEvent {
	ev := TransitionEvent{
		Kind:             t.Kind,
		AlertID:          t.Alert.ID,
		SensorID:         t.Alert.SensorID,
		AlertType:        t.Alert.AlertType,
		Severity:         t.Alert.Severity,
		PreviousSeverity: t.Previous,
		Title:            t.Alert.Title,
		Suppressed:       t.Suppressed,
		Timestamp:        t.Timestamp.UTC(),
	}
	if t.History != nil {
		ev.ResolutionType = t.History.ResolutionType
	}
	return ev
}

// streamHub fans transitions out to websocket clients and keeps the most
// recent ones, newline separated, for clients that connect later.
type streamHub struct {
	log logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	recent  *ringbuffer.RingBuffer
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newStreamHub(replayBytes int, log logger.Logger) *streamHub {
	return &streamHub{
		log:     log,
		clients: make(map[*streamClient]struct{}),
		recent:  ringbuffer.New(replayBytes),
	}
}

// publish runs on the transition bus worker and must not block.
func (h *streamHub) publish(t *alerting.Transition) {
	data, err := json.Marshal(StreamMessage{Event: streamEventTransition, Data: newTransitionEvent(t)})
	if err != nil {
		h.log.Error("failed to encode transition", logger.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.remember(data)
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("stream client is too slow, disconnecting",
				logger.String("remote", c.conn.RemoteAddr().String()))
			h.drop(c)
		}
	}
}

// remember appends data as one line, evicting whole lines from the front
// until it fits. Callers hold h.mu.
func (h *streamHub) remember(data []byte) {
	need := len(data) + 1
	if need > h.recent.Capacity() {
		return
	}
	for h.recent.Free() < need {
		i := bytes.IndexByte(h.recent.Bytes(nil), '\n')
		if i < 0 {
			h.recent.Reset()
			break
		}
		if _, err := h.recent.Read(make([]byte, i+1)); err != nil {
			h.recent.Reset()
			break
		}
	}
	// Write the newline separately; data is shared with the client queues.
	_, _ = h.recent.Write(data)
	_ = h.recent.WriteByte('\n')
}

// replay returns up to limit of the most recent encoded transitions, oldest
// first. Callers hold h.mu.
func (h *streamHub) replay(limit int) [][]byte {
	buf := bytes.TrimSuffix(h.recent.Bytes(nil), []byte{'\n'})
	if len(buf) == 0 {
		return nil
	}
	lines := bytes.Split(buf, []byte{'\n'})
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// register queues the replay for c and adds it to the fan-out. It reports
// false once the hub is closed.
func (h *streamHub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, line := range h.replay(streamReplayLines) {
		c.send <- line
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *streamHub) unregister(c *streamClient) {
	h.mu.Lock()
	h.drop(c)
	h.mu.Unlock()
}

// drop removes c and closes its queue, which ends its write pump. Callers
// hold h.mu.
func (h *streamHub) drop(c *streamClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// close disconnects every client and refuses new ones.
func (h *streamHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}

// StreamTransitions upgrades to a websocket and streams alert transitions,
// starting with a replay of the most recent ones.
func (c *Controller) StreamTransitions(ctx echo.Context) error {
	conn, err := streamUpgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		c.logger.Debug("websocket upgrade failed", logger.Error(err))
		return nil
	}

	client := &streamClient{conn: conn, send: make(chan []byte, streamSendBuffer)}
	if !c.stream.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(streamWriteWait))
		_ = conn.Close()
		return nil
	}
	defer c.stream.unregister(client)

	c.logInfoIfEnabled("transition stream connected", logger.String("remote", ctx.RealIP()))
	go client.writePump()
	client.readPump()
	return nil
}

// writePump is the only writer on the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames until the connection closes. Clients do
// not send data.
func (c *streamClient) readPump() {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(streamMaxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
