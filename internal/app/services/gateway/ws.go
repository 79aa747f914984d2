package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lappnet/lapphost/internal/app/domain/lapp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local-first host: the browser UI is served from the same node.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsRequest is one call frame from the client. The id is echoed back so the
// client can multiplex calls over a single connection.
type wsRequest struct {
	ID     int64  `json:"id"`
	Export string `json:"export"`
	Args   []any  `json:"args,omitempty"`
}

type wsResponse struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsPush is an asynchronous frame carrying a message pushed by a streaming
// export. It has no id; it is not a response to anything.
type wsPush struct {
	Push json.RawMessage `json:"push"`
}

// handleWS upgrades to a WebSocket session bound to one lapp. Call frames
// are executed in order; push messages from the lapp's streaming exports are
// interleaved onto the same connection.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	lappID := chi.URLParam(r, "lapp")
	if _, err := s.reg.Get(lappID); err != nil {
		s.writeError(w, err)
		return
	}

	pushCh := make(chan []byte, 32)
	unsubscribe, err := s.reg.SubscribePush(lappID, pushCh)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	outbound := make(chan any, 32)
	done := make(chan struct{})
	go s.wsWriter(conn, outbound, pushCh, done)
	defer close(done)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debugf("websocket session for %s ended", lappID)
			}
			return
		}

		result, err := s.reg.Call(r.Context(), lappID, req.Export, req.Args)
		resp := wsResponse{ID: req.ID}
		if err != nil {
			resp.Error = err.Error()
			if errors.Is(err, lapp.ErrNotRunning) {
				s.send(outbound, resp, done)
				return
			}
		} else {
			resp.Result = result
		}
		s.send(outbound, resp, done)
	}
}

func (s *Service) send(outbound chan<- any, frame any, done <-chan struct{}) {
	select {
	case outbound <- frame:
	case <-done:
	}
}

// wsWriter is the single goroutine allowed to write to the connection. It
// interleaves call responses and push frames.
func (s *Service) wsWriter(conn *websocket.Conn, outbound <-chan any, pushCh <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case frame := <-outbound:
			if err := s.writeFrame(conn, frame); err != nil {
				return
			}
		case payload := <-pushCh:
			if err := s.writeFrame(conn, wsPush{Push: payload}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Service) writeFrame(conn *websocket.Conn, frame any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}
