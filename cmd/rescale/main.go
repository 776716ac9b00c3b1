// Command rescale runs one worker process of an elastically rescaled cluster.
//
// Process 0 hosts worker 0 and with it the control authority. In orchestrator
// mode it spawns new processes of this same binary according to the
// configured schedule; each spawned process is told its place with
// -n -w -p --join --nn.
//
// The initial cluster shape comes from RESCALE_PROCESSES and RESCALE_WORKERS
// unless -n and -w are given explicitly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/rescale"
	"github.com/arloliu/rescale/internal/launcher"
	"github.com/arloliu/rescale/internal/logging"
	"github.com/arloliu/rescale/internal/metrics"
	"github.com/arloliu/rescale/internal/natsutil"
	"github.com/arloliu/rescale/internal/verifier"
)

type flags struct {
	configPath  string
	processes   int
	workers     int
	process     int
	joinFrom    int
	newProcs    int
	natsURL     string
	embedded    bool
	verify      bool
	producers   int
	metricsAddr string
	logLevel    string
	logFormat   string
}

func parseFlags() (*flags, map[string]bool) {
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "", "Path to YAML configuration file")
	flag.IntVar(&f.processes, "n", 0, "Initial process count (overrides "+rescale.EnvProcesses+")")
	flag.IntVar(&f.workers, "w", 0, "Workers per process (overrides "+rescale.EnvWorkers+")")
	flag.IntVar(&f.process, "p", 0, "Index of this process")
	flag.IntVar(&f.joinFrom, "join", 0, "Existing worker a joining process bootstraps from")
	flag.IntVar(&f.newProcs, "nn", 0, "Process count after this process joins (0 for initial processes)")
	flag.StringVar(&f.natsURL, "nats", nats.DefaultURL, "NATS server URL")
	flag.BoolVar(&f.embedded, "embedded", false, "Run an embedded NATS server in this process")
	flag.BoolVar(&f.verify, "verify", false, "Collect and verify key counts published under <prefix>.verify")
	flag.IntVar(&f.producers, "verify-producers", 1, "Producers feeding each verified stream")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")
	flag.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	return f, set
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("rescale: %v", err)
	}
}

func run() error {
	f, set := parseFlags()

	logger, err := logging.New(os.Stderr, f.logLevel, f.logFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f, set)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ns *server.Server
	var nc *nats.Conn
	if f.embedded {
		ns, nc, err = natsutil.StartEmbedded(-1, "")
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		logger.Info("embedded NATS server started", "url", ns.ClientURL())
	} else {
		nc, err = nats.Connect(f.natsURL, nats.Name(fmt.Sprintf("rescale-%d", cfg.ProcessIndex)))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
	}
	defer nc.Close()

	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "rescale")
	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	opts := []rescale.Option{
		rescale.WithLogger(logger),
		rescale.WithMetrics(collector),
	}
	if cfg.IsLeaderProcess() && len(cfg.Orchestrator.Schedule) > 0 {
		l, err := childLauncher(cfg, f, nc.ConnectedUrl(), logger)
		if err != nil {
			return err
		}
		opts = append(opts, rescale.WithLauncher(l))
		defer func() {
			if err := l.StopAll(cfg.ShutdownTimeout); err != nil {
				logger.Warn("failed to stop spawned processes", "error", err)
			}
		}()
	}

	if f.verify && cfg.IsLeaderProcess() {
		v := verifier.New(verifier.CompareKeyCount)
		v.SetMetrics(collector)
		c := verifier.NewCollector(nc, cfg.SubjectPrefix+".verify", v,
			verifier.WithCollectorLogger[verifier.KeyCount](logger),
			verifier.WithProducers[verifier.KeyCount](verifier.Reference, f.producers),
			verifier.WithProducers[verifier.KeyCount](verifier.Output, f.producers),
		)
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start verifier: %w", err)
		}
		defer func() { _ = c.Stop() }()
	}

	node, err := rescale.NewNode(cfg, nc, opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	if cfg.IsLeaderProcess() && cfg.Control.Mode == rescale.ControlModeOrchestrator {
		st, err := node.WaitOrchestration(ctx)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			logger.Error("orchestration failed", "error", err)
		default:
			logger.Info("orchestration finished", "state", st.String())
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", "process", cfg.ProcessIndex)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	return node.Stop(stopCtx)
}

// loadConfig layers the config file, the environment and explicit flags, in
// increasing precedence.
func loadConfig(f *flags, set map[string]bool) (*rescale.Config, error) {
	cfg := rescale.DefaultConfig()
	if f.configPath != "" {
		loaded, err := rescale.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if set["n"] {
		cfg.Processes = f.processes
	}
	if set["w"] {
		cfg.WorkersPerProcess = f.workers
	}
	cfg.ProcessIndex = f.process
	cfg.JoinFrom = f.joinFrom
	cfg.NewProcesses = f.newProcs

	lookup := func(name string) (string, bool) {
		if (name == rescale.EnvProcesses && set["n"]) || (name == rescale.EnvWorkers && set["w"]) {
			return "", false
		}

		return os.LookupEnv(name)
	}
	if err := rescale.ApplyEnv(&cfg, lookup); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// childLauncher spawns this binary again, pointed at the same broker and config.
func childLauncher(cfg *rescale.Config, f *flags, natsURL string, logger rescale.Logger) (*launcher.Exec, error) {
	binary := cfg.Launcher.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve own executable: %w", err)
		}
		binary = exe
	}

	args := append([]string{}, cfg.Launcher.Args...)
	args = append(args, "-nats", natsURL, "-log-level", f.logLevel, "-log-format", f.logFormat)
	if f.configPath != "" {
		args = append(args, "-config", f.configPath)
	}

	return launcher.NewExec(binary, args, nil, logger), nil
}
