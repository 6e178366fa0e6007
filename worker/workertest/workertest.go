// Package workertest runs an in-process stand-in for the worker's control
// endpoint. It implements the same contract the real GUI worker exposes
// (port proposal, heartbeat, show) and records everything it receives, so
// bridge and client tests can run against real loopback sockets. The
// workerstub command uses it for manual end-to-end runs.
package workertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"guibridge/internal/netutil"
	"guibridge/worker"
)

// Worker is a fake worker control server. Start it, point a
// config.WorkerControlPort at Port(), and it behaves like a live worker.
type Worker struct {
	Log *zap.SugaredLogger

	listener net.Listener
	server   *http.Server

	mu              sync.Mutex
	portResponse    int
	heartbeatStatus int
	showStatus      int
	heartbeats      []int
	shows           []int
	sessions        []string
}

// Start listens on addr ("127.0.0.1:0" if empty) and serves the worker
// control contract until Close.
func Start(log *zap.SugaredLogger, addr string) (*Worker, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", addr, err)
	}

	w := &Worker{
		Log:      log.Named("workertest"),
		listener: listener,
	}

	router := httprouter.New()
	router.GET("/port", w.port)
	router.POST("/heartbeat", w.heartbeat)
	router.POST("/show", w.show)

	w.server = &http.Server{Handler: router}
	go func() {
		err := w.server.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			w.Log.Debugf("stub worker server stopped: %s", err)
		}
	}()

	return w, nil
}

// Port is the control port the stub is listening on.
func (w *Worker) Port() int {
	return w.listener.Addr().(*net.TCPAddr).Port
}

func (w *Worker) Close() error {
	return w.server.Close()
}

// SetPortResponse pins the port proposal returned by /port. When unset, an
// ephemeral port is proposed per request, like the real worker.
func (w *Worker) SetPortResponse(port int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.portResponse = port
}

// SetHeartbeatStatus makes /heartbeat respond with the given HTTP status.
// Zero restores the default 200.
func (w *Worker) SetHeartbeatStatus(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatStatus = code
}

// SetShowStatus makes /show respond with the given HTTP status.
// Zero restores the default 200.
func (w *Worker) SetShowStatus(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.showStatus = code
}

// Heartbeats returns the host ports received on /heartbeat, in order.
func (w *Worker) Heartbeats() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.heartbeats...)
}

// Shows returns the host ports received on /show, in order.
func (w *Worker) Shows() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.shows...)
}

// Sessions returns the session IDs observed on inbound calls, in order.
func (w *Worker) Sessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.sessions...)
}

func (w *Worker) port(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.recordSession(r)

	w.mu.Lock()
	port := w.portResponse
	w.mu.Unlock()

	if port == 0 {
		var err error
		port, err = netutil.EphemeralTCPPort()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	rw.Header().Add("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(struct{ Port int }{Port: port})
}

func (w *Worker) heartbeat(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.recordSession(r)

	port, err := decodePort(r)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.heartbeats = append(w.heartbeats, port)
	status := w.heartbeatStatus
	w.mu.Unlock()

	if status != 0 {
		http.Error(rw, "heartbeat rejected", status)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *Worker) show(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.recordSession(r)

	port, err := decodePort(r)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.shows = append(w.shows, port)
	status := w.showStatus
	w.mu.Unlock()

	if status != 0 {
		http.Error(rw, "show rejected", status)
		return
	}
	w.Log.Debugf("show requested for host port %d", port)
	rw.WriteHeader(http.StatusOK)
}

func (w *Worker) recordSession(r *http.Request) {
	if session := r.Header.Get(worker.SessionHeader); session != "" {
		w.mu.Lock()
		w.sessions = append(w.sessions, session)
		w.mu.Unlock()
	}
}

func decodePort(r *http.Request) (int, error) {
	var msg struct{ Port int }
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return 0, fmt.Errorf("decoding port payload: %w", err)
	}
	if msg.Port <= 0 {
		return 0, fmt.Errorf("invalid port %d", msg.Port)
	}
	return msg.Port, nil
}
