package rescale

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	rescaletest "github.com/arloliu/rescale/testing"
)

// inProcessLauncher starts joining processes as Nodes in the test process.
type inProcessLauncher struct {
	t   *testing.T
	ns  *server.Server
	cfg Config

	mu    sync.Mutex
	nodes []*Node
	conns []*nats.Conn
}

func (l *inProcessLauncher) Launch(_ context.Context, req SpawnRequest) error {
	cfg := l.cfg
	cfg.Processes = req.Processes
	cfg.WorkersPerProcess = req.WorkersPerProcess
	cfg.ProcessIndex = req.ProcessIndex
	cfg.JoinFrom = int(req.JoinFrom)
	cfg.NewProcesses = req.NewProcesses

	// Launch runs on the orchestrator goroutine, so the connection is not tied to t.
	nc, err := nats.Connect(l.ns.ClientURL())
	if err != nil {
		return err
	}

	node, err := NewNode(&cfg, nc, WithLogger(rescaletest.NewTestLogger(l.t)))
	if err != nil {
		nc.Close()
		return err
	}
	if err := node.Start(context.Background()); err != nil {
		nc.Close()
		return err
	}

	l.mu.Lock()
	l.nodes = append(l.nodes, node)
	l.conns = append(l.conns, nc)
	l.mu.Unlock()

	return nil
}

func (l *inProcessLauncher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, node := range l.nodes {
		_ = node.Stop(context.Background())
	}
	for _, nc := range l.conns {
		nc.Close()
	}
}

func TestNewNode(t *testing.T) {
	_, nc := rescaletest.StartEmbeddedNATS(t)

	t.Run("requires config and connection", func(t *testing.T) {
		_, err := NewNode(nil, nc)
		require.ErrorIs(t, err, ErrInvalidConfig)

		cfg := TestConfig()
		cfg.Processes, cfg.WorkersPerProcess = 1, 1
		_, err = NewNode(&cfg, nil)
		require.ErrorIs(t, err, ErrNATSConnectionRequired)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewNode(&cfg, nc)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("lifecycle errors", func(t *testing.T) {
		cfg := TestConfig()
		cfg.Processes, cfg.WorkersPerProcess = 2, 1
		cfg.ProcessIndex = 1

		node, err := NewNode(&cfg, nc)
		require.NoError(t, err)
		require.ErrorIs(t, node.Stop(t.Context()), ErrNotStarted)

		require.NoError(t, node.Start(t.Context()))
		require.ErrorIs(t, node.Start(t.Context()), ErrAlreadyStarted)

		_, err = node.WaitOrchestration(t.Context())
		require.ErrorIs(t, err, ErrNotLeader)
		_, ok := node.State()
		require.False(t, ok)

		require.NoError(t, node.Stop(t.Context()))
		require.ErrorIs(t, node.Stop(t.Context()), ErrNotStarted)
	})
}

func TestNode_ScaleOut(t *testing.T) {
	ns, nc := rescaletest.StartEmbeddedNATS(t)

	cfg := TestConfig()
	cfg.Processes, cfg.WorkersPerProcess = 1, 2
	cfg.Orchestrator.Schedule = []time.Duration{0, 100 * time.Millisecond}

	launcher := &inProcessLauncher{t: t, ns: ns, cfg: TestConfig()}
	t.Cleanup(launcher.stopAll)

	var (
		mu         sync.Mutex
		bootstraps [][2]WorkerIndex
	)
	bootstrap := func(_ context.Context, from, newWorker WorkerIndex) error {
		mu.Lock()
		defer mu.Unlock()
		bootstraps = append(bootstraps, [2]WorkerIndex{from, newWorker})

		return nil
	}

	leader, err := NewNode(&cfg, nc,
		WithLogger(rescaletest.NewTestLogger(t)),
		WithLauncher(launcher),
		WithBootstrapHandler(bootstrap),
	)
	require.NoError(t, err)
	require.NoError(t, leader.Start(t.Context()))
	t.Cleanup(func() { _ = leader.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()

	st, err := leader.WaitOrchestration(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseDone, st.Phase)
	require.Equal(t, PhaseDone, leader.Phase())
	require.Equal(t, 6, st.Peers)
	require.Equal(t, 3, st.NextProcess)
	require.Equal(t, uint64(4), st.Seq)

	t.Run("bootstrap runs on the join source", func(t *testing.T) {
		// Worker 0 sources the first join and worker 1 the second; both live on the leader.
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()

			return len(bootstraps) == 4
		}, 5*time.Second, 20*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.ElementsMatch(t, [][2]WorkerIndex{{0, 2}, {0, 3}, {1, 4}, {1, 5}}, bootstraps)
	})

	t.Run("every worker converges on one balanced table", func(t *testing.T) {
		var all []*Node
		all = append(all, leader)
		launcher.mu.Lock()
		all = append(all, launcher.nodes...)
		launcher.mu.Unlock()
		require.Len(t, all, 3)

		require.Eventually(t, func() bool {
			var reference []WorkerIndex
			for _, node := range all {
				for _, table := range node.Tables() {
					if reference == nil {
						reference = table
						continue
					}
					if !equalTables(reference, table) {
						return false
					}
				}
			}

			return balanced(reference, 6)
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("keys route to live workers", func(t *testing.T) {
		owner, ok := leader.OwnerOf("hello")
		require.True(t, ok)
		require.Less(t, int(owner), 6)
	})
}

func TestNode_Ingest(t *testing.T) {
	_, nc := rescaletest.StartEmbeddedNATS(t)

	cfg := TestConfig()
	cfg.Processes, cfg.WorkersPerProcess = 1, 2
	cfg.Control.Mode = ControlModeIngest

	node, err := NewNode(&cfg, nc, WithLogger(rescaletest.NewTestLogger(t)))
	require.NoError(t, err)
	// The ingest must keep publishing after the context passed to Start is gone.
	startCtx, cancel := context.WithCancel(t.Context())
	require.NoError(t, node.Start(startCtx))
	cancel()
	t.Cleanup(func() { _ = node.Stop(context.Background()) })

	st, err := node.WaitOrchestration(t.Context())
	require.NoError(t, err)
	require.Zero(t, st.Seq)

	// Bin 3 starts on worker 1 (round-robin over two workers).
	require.Equal(t, WorkerIndex(1), node.Tables()[0][3])

	require.NoError(t, nc.Publish(node.TextControlSubject(), []byte("move x 1")))
	require.NoError(t, nc.Publish(node.TextControlSubject(), []byte("move 3 0,none")))

	require.Eventually(t, func() bool {
		for _, table := range node.Tables() {
			if table[3] != 0 {
				return false
			}
		}

		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func equalTables(a, b []WorkerIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func balanced(table []WorkerIndex, workers int) bool {
	loads := make([]int, workers)
	for _, w := range table {
		if int(w) >= workers {
			return false
		}
		loads[w]++
	}

	lo, hi := loads[0], loads[0]
	for _, n := range loads {
		lo, hi = min(lo, n), max(hi, n)
	}

	return hi-lo <= 1
}
