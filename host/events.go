package host

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is a one-way notification pushed from the host to event-stream
// subscribers.
type Event struct {
	Name string
	Data interface{} `json:",omitempty"`
}

const subscriberBuffer = 16

// Publish sends e to every connected event-stream subscriber. A subscriber
// that cannot keep up misses events rather than blocking the publisher.
func (s *Server) Publish(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.logger.Debugf("dropping event %q for slow subscriber", e.Name)
		}
	}
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.subsMu.Lock()
	delete(s.subs, ch)
	s.subsMu.Unlock()
}

// events streams published host events to the worker over a WebSocket.
func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("events WebSocket accept error: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Debug("accepted events subscriber")

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "host shutting down")
			return
		case <-s.closed:
			wsConn.Close(websocket.StatusNormalClosure, "host shutting down")
			return
		case e := <-ch:
			if err := wsjson.Write(ctx, wsConn, e); err != nil {
				s.logger.Debugf("dropping events subscriber: %s", err)
				return
			}
		}
	}
}
