// Package main provides the CLI entry point for muster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/muster/internal/config"
	"github.com/postalsys/muster/internal/dispatch"
	"github.com/postalsys/muster/internal/fleet"
	"github.com/postalsys/muster/internal/health"
	"github.com/postalsys/muster/internal/logging"
	"github.com/postalsys/muster/internal/metrics"
	"github.com/postalsys/muster/internal/ops"
	"github.com/postalsys/muster/internal/relay"
	"github.com/postalsys/muster/internal/report"
	"github.com/postalsys/muster/internal/routing"
	"github.com/postalsys/muster/internal/session"
	"github.com/postalsys/muster/internal/sshconn"
	"github.com/postalsys/muster/internal/tunnel"
)

var (
	// Version is set at build time
	Version = "dev"
)

// confirmThreshold is the fleet size above which run asks first.
const confirmThreshold = 5

func main() {
	rootCmd := &cobra.Command{
		Use:   "muster",
		Short: "muster - fleet command dispatch",
		Long: `muster runs commands across a fleet of remote compute nodes,
reaching each node directly or through pooled relay tunnels, with
bounded concurrency and per-node timeouts.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(nodesCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commonFlags are shared by every dispatching subcommand.
type commonFlags struct {
	configPath string
	nodes      []string
	jsonOut    bool
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "muster.yaml", "Path to configuration file")
	cmd.Flags().StringSliceVarP(&f.nodes, "nodes", "n", nil, "Restrict to the given node names")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Emit JSON instead of a table")
}

func (f *commonFlags) filter() fleet.Filter {
	return fleet.Filter{Names: f.nodes}
}

// core bundles everything a subcommand needs.
type core struct {
	cfg *config.Config
	ops *ops.Ops
}

// buildCore loads configuration and assembles the dispatch core.
func buildCore(configPath string) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	m := metrics.Default()

	var source fleet.Source
	switch strings.ToLower(cfg.Fleet.Source) {
	case "http":
		source = fleet.NewHTTPSource(cfg.Fleet.InventoryURL, cfg.Fleet.InventoryTimeout)
	default:
		source = fleet.NewStaticSource(cfg.Fleet.Nodes)
	}

	dir := fleet.NewDirectory(source, fleet.DirectoryConfig{
		TTL:    cfg.Fleet.CacheTTL,
		Logger: logger,
	})

	var relayCap tunnel.Relay
	if cfg.Relay.BrokerAddr != "" {
		tlsConfig, err := relay.BuildTLSConfig(cfg.Relay.TLS)
		if err != nil {
			return nil, err
		}
		relayCap, err = relay.NewClient(relay.ClientConfig{
			Transport:  cfg.Relay.Transport,
			BrokerAddr: cfg.Relay.BrokerAddr,
			TLS:        tlsConfig,
		})
		if err != nil {
			return nil, err
		}
	} else {
		relayCap = noRelay{}
	}

	pool := tunnel.NewPool(relayCap, tunnel.PoolConfig{
		SetupTimeout:   cfg.Tunnel.SetupTimeout,
		IdleGrace:      cfg.Tunnel.IdleGrace,
		ReapInterval:   cfg.Tunnel.ReapInterval,
		FailureBackoff: cfg.Tunnel.FailureBackoff,
		Logger:         logger,
		Metrics:        m,
	})

	resolver, err := routing.NewResolver(pool, routing.ResolverConfig{
		Prober:         &routing.TCPProber{Timeout: cfg.Routing.ProbeTimeout},
		ProbeTTL:       cfg.Routing.ProbeTTL,
		DeclinedScopes: cfg.Routing.DeclinedScopes,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	dialer, err := sshconn.NewDialer(sshconn.Config{
		User:           cfg.SSH.User,
		KeyFile:        cfg.SSH.KeyFile,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		Port:           cfg.SSH.Port,
		DialTimeout:    cfg.SSH.DialTimeout,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Dialer:  dialer,
		Pool:    pool,
		Logger:  logger,
		Metrics: m,
	})

	tracker, err := session.NewTracker(cfg.Sessions.CacheTTL, nil, m)
	if err != nil {
		pool.Close()
		return nil, err
	}

	o := ops.New(ops.Config{
		Directory:          dir,
		Resolver:           resolver,
		Pool:               pool,
		Dispatcher:         dispatcher,
		Sessions:           tracker,
		SessionListCommand: cfg.Sessions.ListCommand,
		Logger:             logger,
		Metrics:            m,
	})

	return &core{cfg: cfg, ops: o}, nil
}

// noRelay is used when no relay broker is configured; every relay
// attempt fails with a configuration hint.
type noRelay struct{}

func (noRelay) Create(ctx context.Context, node, scope string) (string, error) {
	return "", fmt.Errorf("no relay broker configured (set relay.broker_addr)")
}

func (noRelay) Destroy(ctx context.Context, endpoint string) error {
	return nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newSink builds the output sink for one-shot commands.
func newSink(jsonOut, showPayload bool) report.Sink {
	if jsonOut {
		return &report.JSONSink{W: os.Stdout}
	}
	width := 0
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	return &report.Renderer{W: os.Stdout, Width: width, ShowPayload: showPayload}
}

func runCmd() *cobra.Command {
	var flags commonFlags
	var timeout, deadline time.Duration
	var workers int
	var yes, showOutput bool

	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a command on every reachable node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")

			c, err := buildCore(flags.configPath)
			if err != nil {
				return err
			}
			defer c.ops.Close()

			ctx, cancel := signalContext()
			defer cancel()

			records, err := c.ops.Nodes(ctx, flags.filter())
			if err != nil {
				return err
			}
			if len(records) > confirmThreshold && !yes && term.IsTerminal(int(os.Stdin.Fd())) {
				var proceed bool
				confirm := huh.NewConfirm().
					Title(fmt.Sprintf("Run %q on %d nodes?", command, len(records))).
					Value(&proceed)
				if err := confirm.Run(); err != nil {
					return err
				}
				if !proceed {
					return fmt.Errorf("aborted")
				}
			}

			if timeout <= 0 {
				timeout = c.cfg.Dispatch.NodeTimeout
			}
			if workers <= 0 {
				workers = c.cfg.Dispatch.MaxWorkers
			}

			rep, err := c.ops.RunCommand(ctx, command, ops.RunOptions{
				Filter:          flags.filter(),
				PerNodeTimeout:  timeout,
				OverallDeadline: deadline,
				MaxWorkers:      workers,
			})
			if err != nil {
				return err
			}
			if err := newSink(flags.jsonOut, showOutput).Publish(rep); err != nil {
				return err
			}
			if rep.Failed > 0 || rep.TimedOut > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-node timeout (default from config)")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "Overall deadline; stragglers past it are abandoned")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Max concurrent workers (default from config)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVarP(&showOutput, "output", "o", false, "Show per-node command output")

	return cmd
}

func nodesCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the current fleet membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(flags.configPath)
			if err != nil {
				return err
			}
			defer c.ops.Close()

			ctx, cancel := signalContext()
			defer cancel()

			records, err := c.ops.Nodes(ctx, flags.filter())
			if err != nil {
				return err
			}
			for _, r := range records {
				addr := r.PublicAddr
				if addr == "" {
					addr = "-"
				}
				relayNote := "-"
				if r.RelayEligible {
					relayNote = r.RelayScope
				}
				fmt.Printf("%-24s %-22s %-10s relay=%s\n", r.Name, addr, r.State, relayNote)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the muster version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("muster %s\n", Version)
		},
	}
}

func statusCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"routes"},
		Short:   "Show how each node would be reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(flags.configPath)
			if err != nil {
				return err
			}
			defer c.ops.Close()

			ctx, cancel := signalContext()
			defer cancel()

			plans, err := c.ops.Routes(ctx, flags.filter())
			if err != nil {
				return err
			}
			for _, p := range plans {
				detail := p.Endpoint
				if p.Mode == routing.ModeRelayed {
					detail = "relay " + p.RelayID
				}
				if p.Mode == routing.ModeUnreachable {
					detail = p.Reason
				}
				fmt.Printf("%-24s %-12s %s\n", p.Node.Name, p.Mode, detail)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	var flags commonFlags
	var interval, timeout time.Duration
	var workers int

	cmd := &cobra.Command{
		Use:   "watch <command>",
		Short: "Run a command on a fixed interval with a live view",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")

			c, err := buildCore(flags.configPath)
			if err != nil {
				return err
			}
			defer c.ops.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if c.cfg.Health.Enabled {
				hs := health.NewServer(health.ServerConfig{Address: c.cfg.Health.Address}, c.ops)
				if err := hs.Start(); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					hs.Stop(shutdownCtx)
				}()
			}

			if interval <= 0 {
				interval = c.cfg.Watch.Interval
			}
			if timeout <= 0 {
				timeout = c.cfg.Dispatch.NodeTimeout
			}
			if workers <= 0 {
				workers = c.cfg.Dispatch.MaxWorkers
			}

			var sink report.Sink
			if flags.jsonOut {
				sink = &report.JSONSink{W: os.Stdout}
			} else {
				width := 0
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					width = w
				}
				sink = &report.Renderer{W: os.Stdout, Width: width, Live: true}
			}

			return c.ops.Watch(ctx, ops.WatchOptions{
				Interval: interval,
				Command:  command,
				Run: ops.RunOptions{
					Filter:         flags.filter(),
					PerNodeTimeout: timeout,
					MaxWorkers:     workers,
				},
			}, sink)
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Refresh interval (default from config)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-node timeout (default from config)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Max concurrent workers (default from config)")

	return cmd
}

func sessionsCmd() *cobra.Command {
	var flags commonFlags
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active terminal sessions on every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(flags.configPath)
			if err != nil {
				return err
			}
			defer c.ops.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if timeout <= 0 {
				timeout = c.cfg.Dispatch.NodeTimeout
			}

			rep, err := c.ops.Sessions(ctx, ops.RunOptions{
				Filter:         flags.filter(),
				PerNodeTimeout: timeout,
				MaxWorkers:     c.cfg.Dispatch.MaxWorkers,
			})
			if err != nil {
				return err
			}
			return newSink(flags.jsonOut, true).Publish(rep)
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-node timeout (default from config)")

	return cmd
}
