// Package rescale coordinates elastic scale-out of a partitioned streaming job
// over NATS.
//
// The key space is split into a fixed number of bins (1 << BinShift). Every
// worker keeps a routing table mapping each bin to its owning worker. The
// leader (worker 0) adds processes on a schedule and broadcasts control
// batches over a JetStream stream so that every worker moves bins in the same
// order.
//
// # Quick Start
//
// Run the initial processes, then let the leader grow the cluster:
//
//	import "github.com/arloliu/rescale"
//
//	cfg := rescale.DefaultConfig()
//	cfg.Processes, cfg.WorkersPerProcess = 2, 4
//	cfg.Orchestrator.Schedule = []time.Duration{10 * time.Second}
//
//	node, err := rescale.NewNode(&cfg, natsConn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop(context.Background())
//
// # Scale-out cycle
//
// For every trigger the leader's orchestrator runs:
//
//	Idle → Spawning → Bootstrapping → MarginWait → Rebalancing → Idle
//
// It launches one process with "-n N -w W -p P --join J --nn NN", waits for
// its workers' heartbeats, broadcasts one Bootstrap instruction per new
// worker, waits the bootstrap margin, and broadcasts the bin moves computed
// by the load balancer as a single batch.
//
// # Control channel
//
// Instead of the orchestrator, an operator can drive migrations by publishing
// text lines to the control text subject (Control.Mode "ingest"):
//
//	none
//	move <bin> <worker>
//	map <w0> <w1> ... <w(BinCount-1)>
//
// Instructions are comma separated; a line is applied as one batch only if
// every instruction parses.
//
// See cmd/rescale for the worker binary.
package rescale
