// Package bridge bootstraps the control channel between the host process and
// the GUI worker: it negotiates the RPC port, launches the worker when none
// is live, and keeps the RPC server and heartbeat emitter running in the
// background for the rest of the process lifetime.
//
// A Bridge carries all integration state explicitly. Setup and Show are not
// safe to call concurrently with each other; synchronizing them is the
// caller's responsibility.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guibridge/config"
	"guibridge/host"
	"guibridge/worker"
)

// ErrNotInitialized is returned by Show when no Setup has completed.
var ErrNotInitialized = errors.New("integration not initialized: Setup has not completed")

// Proc is the slice of a launched worker process the bridge needs: just
// enough to confirm the process did not die on arrival.
type Proc interface {
	Running(grace time.Duration) bool
	Path() string
}

// LaunchFunc starts a worker process. clientPort is the negotiated RPC port
// when known, zero otherwise.
type LaunchFunc func(clientPort int) (Proc, error)

// Bridge owns one integration session between the host and the worker.
type Bridge struct {
	logger  *zap.SugaredLogger
	cfg     *config.Config
	session string

	launch LaunchFunc

	mu         sync.Mutex
	port       int
	proxy      *worker.Client
	executable string
	server     *host.Server
	handlers   map[string]host.Handler
	wrapper    host.DispatchWrapper
	taskErr    error

	cancel context.CancelFunc
	group  *errgroup.Group
}

type Option func(b *Bridge)

func WithConfig(cfg *config.Config) Option {
	return func(b *Bridge) {
		b.cfg = cfg
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l.Named("bridge").Sugar()
	}
}

// WithLauncher replaces how worker processes are started; tests use it to
// count launches without spawning anything.
func WithLauncher(f LaunchFunc) Option {
	return func(b *Bridge) {
		b.launch = f
	}
}

// New constructs a Bridge. The zero state is "not initialized": Show fails
// until Setup has completed.
func New(opts ...Option) (*Bridge, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		logger:   logger.Named("bridge").Sugar(),
		cfg:      config.Default(),
		session:  uuid.NewString(),
		handlers: map[string]host.Handler{},
	}
	for _, o := range opts {
		o(b)
	}
	if b.launch == nil {
		b.launch = b.launchWorker
	}
	return b, nil
}

// Session is the ID distinguishing this bridge from other host sessions the
// worker may have seen.
func (b *Bridge) Session() string { return b.session }

// Port is the negotiated RPC port, zero before a successful Setup.
func (b *Bridge) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// SetupResult describes how a Setup call bootstrapped the channel.
type SetupResult struct {
	// Port is the negotiated RPC port.
	Port int

	// WorkerLaunched is true when no live worker was found and one was
	// started.
	WorkerLaunched bool
}

// Setup negotiates the RPC port (launching the worker if none responds),
// publishes it for the worker to discover, and starts the RPC server and
// heartbeat emitter in the background. Setup does not wait for either; their
// failures surface through Err. A failed Setup leaves the Bridge
// uninitialized; whether that is fatal is the host application's call.
//
// Calling Setup again ends the previous session's background tasks and
// renegotiates from scratch.
func (b *Bridge) Setup(ctx context.Context) (*SetupResult, error) {
	if err := b.Close(); err != nil {
		b.logger.Debugf("stopping previous session: %s", err)
	}

	if b.cfg.ShowConsole {
		os.Setenv(config.EnvConsole, "1")
	}

	port, launched, err := b.negotiatePort(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiating port: %w", err)
	}

	// Publish the port so a worker spawned later (or restarted by hand) can
	// find its way back.
	os.Setenv(config.EnvClientPort, strconv.Itoa(port))

	srv, err := host.NewServer(port,
		host.WithLogger(b.logger.Desugar().Named("rpc_server")),
		host.WithSession(b.session),
	)
	if err != nil {
		return nil, fmt.Errorf("building RPC server: %w", err)
	}

	b.mu.Lock()
	for method, h := range b.handlers {
		srv.RegisterHandler(method, h)
	}
	if b.wrapper != nil {
		srv.RegisterDispatchWrapper(b.wrapper)
	}
	b.port = port
	b.server = srv
	b.taskErr = nil
	b.mu.Unlock()

	// The background tasks are scoped to the bridge, not to Setup's ctx:
	// they run until Close or process exit, and independently: a server bind
	// failure does not stop the heartbeat emitter.
	tasksCtx, cancel := context.WithCancel(context.Background())
	group := &errgroup.Group{}
	group.Go(func() error {
		err := srv.Serve(tasksCtx)
		if err != nil {
			b.logger.Errorf("RPC server failed: %s", err)
			b.recordTaskErr(err)
		}
		return err
	})
	group.Go(func() error {
		b.emitHeartbeats(tasksCtx, port)
		return nil
	})
	b.cancel = cancel
	b.group = group

	b.logger.Debugf("integration ready @ %d", port)

	return &SetupResult{Port: port, WorkerLaunched: launched}, nil
}

// Show asks the worker to raise its GUI. If the worker is unreachable, the
// launch fallback runs once and then one final show is attempted no matter
// how the relaunch went; a worker that came back on its own can still serve
// it.
func (b *Bridge) Show(ctx context.Context) error {
	b.mu.Lock()
	port := b.port
	proxy := b.proxy
	b.mu.Unlock()

	if port == 0 {
		return ErrNotInitialized
	}
	if proxy == nil {
		proxy = b.newProxy()
		b.mu.Lock()
		b.proxy = proxy
		b.mu.Unlock()
	}

	err := proxy.Show(ctx, port)
	if err == nil || !worker.IsConnectivity(err) {
		return err
	}

	b.logger.Debugf("worker unreachable for show, relaunching: %s", err)
	b.relaunchWorker(port)

	return proxy.Show(ctx, port)
}

// Close ends the background tasks started by Setup and waits for them to
// finish. The production path leaves the tasks running until process exit
// and never calls Close; it exists for embedders and tests.
func (b *Bridge) Close() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.mu.Lock()
	srv := b.server
	b.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
	err := b.group.Wait()
	b.cancel = nil
	b.group = nil
	return err
}

// Err reports the first background-task failure since the last Setup,
// such as losing the bind on the negotiated port.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskErr
}

func (b *Bridge) recordTaskErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.taskErr == nil {
		b.taskErr = err
	}
}

// RegisterPythonExecutable overrides the interpreter used to launch the
// worker process.
func (b *Bridge) RegisterPythonExecutable(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executable = path
}

// RegisteredPythonExecutable returns the registered override, or "" when the
// configured default applies.
func (b *Bridge) RegisteredPythonExecutable() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executable
}

// RegisterDispatchWrapper installs w around every dispatch of the RPC
// server, for this and any future session.
func (b *Bridge) RegisterDispatchWrapper(w host.DispatchWrapper) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wrapper = w
	if b.server != nil {
		b.server.RegisterDispatchWrapper(w)
	}
}

// RegisterHandler exposes an RPC method to the worker, for this and any
// future session.
func (b *Bridge) RegisterHandler(method string, h host.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
	if b.server != nil {
		b.server.RegisterHandler(method, h)
	}
}

// Publish pushes an event to the worker's event-stream subscribers. It is a
// no-op before Setup.
func (b *Bridge) Publish(e host.Event) {
	b.mu.Lock()
	srv := b.server
	b.mu.Unlock()
	if srv != nil {
		srv.Publish(e)
	}
}

func (b *Bridge) workerExecutable() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executable != "" {
		return b.executable
	}
	return b.cfg.PythonExecutable
}

func (b *Bridge) launchWorker(clientPort int) (Proc, error) {
	return worker.Launch(b.logger, worker.LaunchOptions{
		Executable:  b.workerExecutable(),
		EntryModule: b.cfg.EntryModule,
		ShowConsole: b.cfg.ShowConsole,
		ClientPort:  clientPort,
	})
}

func (b *Bridge) relaunchWorker(port int) {
	proc, err := b.launch(port)
	if err != nil {
		b.logger.Debugf("relaunching worker: %s", err)
		return
	}
	if !proc.Running(b.cfg.LaunchGrace()) {
		b.logger.Debugf("relaunched worker %q exited immediately", proc.Path())
	}
}

func (b *Bridge) newProxy() *worker.Client {
	return worker.NewClient(b.logger, b.cfg.WorkerControlPort,
		worker.WithClientCallTimeout(b.cfg.CallTimeout()),
		worker.WithClientSession(b.session),
	)
}
