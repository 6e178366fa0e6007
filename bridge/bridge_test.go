package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guibridge/bridge"
	"guibridge/config"
	"guibridge/host"
	"guibridge/internal/netutil"
	"guibridge/worker"
	"guibridge/worker/workertest"
)

var log *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l
}

// fakeLauncher records launch attempts without spawning real processes.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []int

	failErr     error
	exitAtOnce  bool
	onLaunch    func(clientPort int)
	defaultPath string
}

type fakeProc struct {
	path    string
	running bool
}

func (p *fakeProc) Running(grace time.Duration) bool { return p.running }
func (p *fakeProc) Path() string                     { return p.path }

func (f *fakeLauncher) launch(clientPort int) (bridge.Proc, error) {
	f.mu.Lock()
	f.launches = append(f.launches, clientPort)
	failErr := f.failErr
	exitAtOnce := f.exitAtOnce
	onLaunch := f.onLaunch
	path := f.defaultPath
	f.mu.Unlock()

	if onLaunch != nil {
		onLaunch(clientPort)
	}
	if failErr != nil {
		return nil, failErr
	}
	if path == "" {
		path = "fakeworker"
	}
	return &fakeProc{path: path, running: !exitAtOnce}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func startStub(t *testing.T) *workertest.Worker {
	w, err := workertest.Start(log.Sugar(), "")
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

// deadPort returns a loopback port nothing is listening on.
func deadPort(t *testing.T) int {
	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)
	return port
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CallTimeoutMS = 500
	return cfg
}

func newBridge(t *testing.T, cfg *config.Config, launcher *fakeLauncher) *bridge.Bridge {
	opts := []bridge.Option{bridge.WithConfig(cfg), bridge.WithLogger(log)}
	if launcher != nil {
		opts = append(opts, bridge.WithLauncher(launcher.launch))
	}
	b, err := bridge.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSetupUsesWorkerProposedPort(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	proposed := deadPort(t)
	stub.SetPortResponse(proposed)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()

	launcher := &fakeLauncher{}
	b := newBridge(t, cfg, launcher)

	res, err := b.Setup(ctx)
	require.NoError(t, err)

	assert.Equal(t, proposed, res.Port)
	assert.False(t, res.WorkerLaunched)
	assert.Equal(t, 0, launcher.count(), "no launch when a live worker responds")
	assert.Equal(t, proposed, b.Port())
}

func TestSetupLaunchesWorkerWhenUnreachable(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.WorkerControlPort = deadPort(t)
	cfg.DefaultPort = 9001

	launcher := &fakeLauncher{}
	b := newBridge(t, cfg, launcher)

	res, err := b.Setup(ctx)
	require.NoError(t, err)

	assert.Equal(t, 9001, res.Port)
	assert.True(t, res.WorkerLaunched)
	assert.Equal(t, 1, launcher.count(), "exactly one launch attempt")
}

func TestSetupFailsWhenSpawnFails(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerControlPort = deadPort(t)

	launcher := &fakeLauncher{failErr: &worker.LaunchError{Path: "python", Err: errors.New("no such file")}}
	b := newBridge(t, cfg, launcher)

	_, err := b.Setup(context.Background())
	require.Error(t, err)

	var launchErr *worker.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, 0, b.Port())
}

func TestSetupFailsWhenWorkerDiesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerControlPort = deadPort(t)
	cfg.LaunchGraceMS = 10

	launcher := &fakeLauncher{exitAtOnce: true}
	b := newBridge(t, cfg, launcher)

	_, err := b.Setup(context.Background())
	require.Error(t, err)

	var launchErr *worker.LaunchError
	require.True(t, errors.As(err, &launchErr))

	// the bridge stays uninitialized: no server, no heartbeats
	assert.Equal(t, 0, b.Port())
	require.ErrorIs(t, b.Show(context.Background()), bridge.ErrNotInitialized)
}

func TestShowBeforeSetup(t *testing.T) {
	stub := startStub(t)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()

	b := newBridge(t, cfg, &fakeLauncher{})

	err := b.Show(context.Background())
	require.ErrorIs(t, err, bridge.ErrNotInitialized)
	assert.Empty(t, stub.Shows(), "no network call before initialization")
}

func TestShowReachableWorker(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	proposed := deadPort(t)
	stub.SetPortResponse(proposed)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()

	launcher := &fakeLauncher{}
	b := newBridge(t, cfg, launcher)

	_, err := b.Setup(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Show(ctx))
	assert.Equal(t, []int{proposed}, stub.Shows(), "exactly one show call observed")
	assert.Equal(t, 0, launcher.count())
}

func TestShowRelaunchesUnreachableWorker(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	proposed := deadPort(t)
	stub.SetPortResponse(proposed)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()
	cfg.LaunchGraceMS = 10

	controlPort := stub.Port()

	var replacement *workertest.Worker
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(clientPort int) {
		// the "relaunched worker" comes back on the same control port
		w, err := workertest.Start(log.Sugar(), fmt.Sprintf("127.0.0.1:%d", controlPort))
		require.NoError(t, err)
		replacement = w
	}
	b := newBridge(t, cfg, launcher)

	_, err := b.Setup(ctx)
	require.NoError(t, err)

	// take the worker down; the first show attempt must fail over
	require.NoError(t, stub.Close())

	require.NoError(t, b.Show(ctx))
	t.Cleanup(func() { replacement.Close() })

	assert.Equal(t, 1, launcher.count(), "exactly one re-bootstrap attempt")
	assert.Equal(t, []int{proposed}, replacement.Shows(), "exactly one final show call")
}

func TestShowFinalAttemptEvenAfterFailedRelaunch(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	stub.SetPortResponse(deadPort(t))

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()

	launcher := &fakeLauncher{}
	b := newBridge(t, cfg, launcher)

	_, err := b.Setup(ctx)
	require.NoError(t, err)

	require.NoError(t, stub.Close())
	launcher.mu.Lock()
	launcher.failErr = errors.New("spawn refused")
	launcher.mu.Unlock()

	err = b.Show(ctx)
	require.Error(t, err)
	assert.True(t, worker.IsConnectivity(err), "the final show went out and hit the dead worker")
	assert.Equal(t, 1, launcher.count())
}

func TestHeartbeatEmitter(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	proposed := deadPort(t)
	stub.SetPortResponse(proposed)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()
	cfg.HeartbeatIntervalMS = 10

	b := newBridge(t, cfg, &fakeLauncher{})

	_, err := b.Setup(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(stub.Heartbeats()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	for _, port := range stub.Heartbeats() {
		assert.Equal(t, proposed, port)
	}

	// the emitter must survive the worker rejecting beats...
	stub.SetHeartbeatStatus(500)
	time.Sleep(50 * time.Millisecond)
	stub.SetHeartbeatStatus(0)

	// ...and keep emitting afterwards
	before := len(stub.Heartbeats())
	require.Eventually(t, func() bool {
		return len(stub.Heartbeats()) > before
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBindFailureIsObservable(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	held := deadPort(t)
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", held))
	require.NoError(t, err)
	defer l.Close()

	stub.SetPortResponse(held)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()

	b := newBridge(t, cfg, &fakeLauncher{})

	// Setup itself reports success; the bind loss surfaces through Err.
	_, err = b.Setup(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Err() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, b.Err().Error(), "binding port")
}

func TestDispatchThroughBridge(t *testing.T) {
	ctx := context.Background()
	stub := startStub(t)

	proposed := deadPort(t)
	stub.SetPortResponse(proposed)

	cfg := testConfig()
	cfg.WorkerControlPort = stub.Port()

	b := newBridge(t, cfg, &fakeLauncher{})

	// registrations made before Setup must reach the server it starts
	var mu sync.Mutex
	var observed []string
	b.RegisterHandler("state", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"State": "publishing"}, nil
	})
	b.RegisterDispatchWrapper(func(next host.Dispatch) host.Dispatch {
		return func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
			mu.Lock()
			observed = append(observed, method)
			mu.Unlock()
			return next(ctx, method, params)
		}
	})

	res, err := b.Setup(ctx)
	require.NoError(t, err)

	waitReady(t, res.Port)

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/rpc/state", res.Port),
		"application/json",
		bytes.NewReader([]byte("{}")),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct{ State string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "publishing", result.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"state"}, observed)
}

func waitReady(t *testing.T, port int) {
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
}
