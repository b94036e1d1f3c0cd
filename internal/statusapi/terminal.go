package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/sessionlayer"
)

const (
	maxInputMessageSize = 64 * 1024
	maxResizeCols       = 1000
	maxResizeRows       = 500
	outputBuffer        = 256
)

// OutputHub fans terminal output from the session layer out to websocket
// clients. Its Publish method is the layer's output callback.
type OutputHub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan []byte
}

func NewOutputHub() *OutputHub {
	return &OutputHub{subs: make(map[string]map[int]chan []byte)}
}

// Publish delivers a copy of data to every subscriber of sessionID. Slow
// subscribers miss output rather than stall the session.
func (h *OutputHub) Publish(sessionID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		buf := append([]byte(nil), data...)
		select {
		case ch <- buf:
		default:
		}
	}
}

// Subscribe returns a channel of sessionID's output and a func that ends
// the subscription. The func may be called more than once.
func (h *OutputHub) Subscribe(sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, outputBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan []byte)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], id)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
		})
	}
}

type termResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// terminal relays a tab's terminal over a websocket. Binary messages are
// input; text messages carry resize requests.
func (s *Server) terminal(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.orch.Store().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	}
	if tab.SessionID == "" {
		writeError(w, http.StatusConflict, "Tab is not connected")
		return
	}
	term, err := s.layer.Terminal(tab.SessionID)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, sessionlayer.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		logging.Warnf("statusapi: terminal accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	output, unsubscribe := s.output.Subscribe(tab.SessionID)
	defer unsubscribe()

	ctx := r.Context()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-output:
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				logging.Warnf("statusapi: terminal input for session %s too large (%d bytes)", tab.SessionID, len(data))
				continue
			}
			if _, err := term.Write(data); err != nil {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			continue
		}

		var msg termResizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			if err := term.Resize(min(msg.Cols, maxResizeCols), min(msg.Rows, maxResizeRows)); err != nil {
				logging.Debugf("statusapi: resize session %s: %v", tab.SessionID, err)
			}
		}
	}
}
