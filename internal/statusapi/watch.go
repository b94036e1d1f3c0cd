package statusapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/tabstate"
)

const watchWriteTimeout = 5 * time.Second

type watchSnapshot struct {
	Type string         `json:"type"`
	Tabs []tabstate.Tab `json:"tabs"`
}

// watch streams every tab change as JSON, after an initial snapshot.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		logging.Warnf("statusapi: watch accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	changes, cancel := s.orch.Store().Subscribe(256)
	defer cancel()

	ctx := conn.CloseRead(r.Context())

	if err := s.writeWatch(ctx, conn, watchSnapshot{Type: "snapshot", Tabs: s.orch.Store().List()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			if err := s.writeWatch(ctx, conn, c); err != nil {
				logging.Debugf("statusapi: watch write failed: %v", err)
				return
			}
		}
	}
}

func (s *Server) writeWatch(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}
