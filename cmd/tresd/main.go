// tresd - Timing resilience daemon for synchronization network elements
//
//	tresd run       Run the daemon (detection, failover, audit ledger)
//	tresd verify    Verify the audit ledger offline
//	tresd status    Query a running daemon over the control socket
//	tresd version   Print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tresd/internal/anchor"
	"tresd/internal/config"
	"tresd/internal/engine"
	"tresd/internal/health"
	"tresd/internal/hostclock"
	"tresd/internal/ipc"
	"tresd/internal/ledger"
	"tresd/internal/logging"
	"tresd/internal/metrics"
	"tresd/internal/osnma"
	"tresd/internal/store"
	"tresd/internal/watcher"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "verify":
		cmdVerify()
	case "status":
		cmdStatus()
	case "version", "-v", "--version":
		fmt.Printf("tresd %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`tresd - Timing Resilience Daemon

USAGE:
    tresd <command> [options]

COMMANDS:
    run         Run the daemon in the foreground
    verify      Verify the hash-chained audit ledger offline
    status      Show status of a running daemon
    version     Print version
    help        Show this help message

RUN OPTIONS:
    -config <path>   Configuration file (default: ` + config.ConfigPath() + `)

VERIFY OPTIONS:
    -config <path>   Configuration file
    -db <path>       Database path (overrides configuration)

The daemon ingests GNSS observables and timing measurements for each
configured grid element, grades jamming and spoofing threats, drives
the war mode state machine, and fails timing over to the best holdover
source. Every threat, failover, and posture change is appended to a
hash-chained audit ledger. Control it with tresctl(1).`)
}

// ============================================================
// run
// ============================================================

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "configuration file")
	fs.Parse(os.Args[2:])

	crash := logging.DefaultCrashHandler()
	crash.SetVersion(version)
	logging.SetDefaultCrashHandler(crash)

	var err error
	crash.RecoverWithContext(map[string]interface{}{"command": "run"}, func() {
		err = runDaemon(*configPath)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tresd: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	if pid, running := daemonRunning(cfg.Daemon.PidFile); running {
		return fmt.Errorf("already running (pid %d)", pid)
	}
	if err := writePidFile(cfg.Daemon.PidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(cfg.Daemon.PidFile)

	eventLog, err := logging.NewEventLog(logging.DefaultEventLogConfig())
	if err != nil {
		log.Warn("security event log unavailable", "error", err)
		eventLog = nil
	} else {
		defer eventLog.Close()
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Rebuild the in-memory chain from persisted entries. A broken
	// chain is a hard startup failure: the operator must investigate
	// before the daemon appends anything new.
	entries, err := st.LoadLedgerEntries()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	led, err := ledger.FromEntries(entries, time.Now)
	if err != nil {
		return fmt.Errorf("ledger integrity: %w", err)
	}
	log.Info("ledger loaded", "entries", led.Len(), "head", led.Head().String())

	registry := metrics.NewRegistry("tresd")
	eng, err := engine.New(cfg, engine.Deps{
		Store:    st,
		Ledger:   led,
		Logger:   log,
		EventLog: eventLog,
		Metrics:  metrics.NewEngineMetrics(registry),
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if cfg.OSNMA.Enabled && cfg.OSNMA.KeyDir != "" {
		n, err := loadVerifierKeys(eng.Verifier(), cfg.OSNMA)
		if err != nil {
			return fmt.Errorf("load osnma keys: %w", err)
		}
		log.Info("osnma keys loaded", "count", n, "dir", cfg.OSNMA.KeyDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	var anchorer *anchor.Anchorer
	if cfg.Anchor.Enabled {
		anchorer, err = anchor.FromConfig(cfg.Anchor)
		if err != nil {
			log.Warn("anchoring unavailable", "error", err)
		} else {
			defer anchorer.Close()
			go anchorLoop(ctx, anchorer, led, cfg.Anchor.Interval(), log)
		}
	}

	var prober hostclock.Prober
	if cfg.Daemon.HostClockProbe {
		prober, err = hostclock.New()
		if err != nil {
			log.Warn("host clock probe unavailable", "error", err)
		} else {
			defer prober.Close()
		}
	}

	checker := health.NewChecker()
	registerHealthChecks(checker, st, led, eng)

	var server *ipc.Server
	if cfg.IPC.Enabled {
		reload := func() error {
			next, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return eng.ApplyConfig(next, "operator")
		}
		handler := ipc.NewEngineHandler(ipc.HandlerDeps{
			Engine:   eng,
			Config:   cfg,
			Checker:  checker,
			Anchorer: anchorer,
			Prober:   prober,
			Reload:   reload,
			Logger:   log,
			Version:  version,
		})
		server = ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.IPC.SocketPath,
			Version:        version,
			Logger:         log,
			ReadTimeout:    cfg.IPC.Timeout() * 2,
			WriteTimeout:   cfg.IPC.Timeout(),
			MaxConnections: cfg.IPC.MaxConnections,
		}, handler)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start ipc server: %w", err)
		}
		defer server.Stop()
		handler.StartEventPump(ctx, server)
	}

	// Watch the configuration file and hot-apply threshold and cadence
	// changes without a restart.
	w, err := watcher.New(configPath, 2*time.Second)
	if err != nil {
		log.Warn("configuration watcher unavailable", "error", err)
	} else if err := w.Start(); err != nil {
		log.Warn("configuration watcher failed to start", "error", err)
	} else {
		defer w.Stop()
		go reloadLoop(ctx, w, configPath, eng, log)
	}

	checker.SetReady(true)
	if eventLog != nil {
		eventLog.LogStartup(ctx, version, map[string]interface{}{
			"elements": len(cfg.Elements),
			"config":   configPath,
		})
	}
	log.Info("tresd started",
		"version", version,
		"elements", len(cfg.Elements),
		"socket", cfg.IPC.SocketPath,
		"emcon", cfg.Daemon.EMCON)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			log.Info("SIGHUP received, reloading configuration")
			next, err := config.Load(configPath)
			if err != nil {
				log.Error("reload failed", "error", err)
				continue
			}
			if err := eng.ApplyConfig(next, "operator"); err != nil {
				log.Error("reload failed", "error", err)
			}
			continue
		}
		checker.SetReady(false)
		if eventLog != nil {
			eventLog.LogShutdown(ctx, sig.String())
		}
		log.Info("shutting down", "signal", sig.String())
		return nil
	}
}

// anchorLoop periodically commits the ledger head to the anchor
// provider's monotonic counter.
func anchorLoop(ctx context.Context, a *anchor.Anchorer, led *ledger.Ledger, every time.Duration, log *logging.Logger) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := uint64(led.Len())
			if seq == 0 {
				continue
			}
			anc, err := a.Anchor(seq, led.Head())
			if err != nil {
				log.Error("ledger anchor failed", "sequence", seq, "error", err)
				continue
			}
			log.Debug("ledger head anchored",
				"sequence", anc.Sequence, "counter", anc.Counter)
		}
	}
}

// reloadLoop applies configuration file changes picked up by the
// watcher.
func reloadLoop(ctx context.Context, w *watcher.Watcher, configPath string, eng *engine.Engine, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			log.Warn("configuration watcher error", "error", err)
		case ch, ok := <-w.Changes():
			if !ok {
				return
			}
			log.Info("configuration file changed", "path", ch.Path, "size", ch.Size)
			next, err := config.Load(configPath)
			if err != nil {
				log.Error("configuration reload failed", "error", err)
				continue
			}
			if err := next.Validate(); err != nil {
				log.Error("configuration reload rejected", "error", err)
				continue
			}
			if err := eng.ApplyConfig(next, "config-watcher"); err != nil {
				log.Error("configuration reload failed", "error", err)
			}
		}
	}
}

func registerHealthChecks(c *health.Checker, st *store.Store, led *ledger.Ledger, eng *engine.Engine) {
	c.RegisterFunc("store", true, func(ctx context.Context) health.CheckResult {
		stats, err := st.Stats()
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		return health.CheckResult{
			Status: health.StatusHealthy,
			Details: map[string]interface{}{
				"threats":        stats.Threats,
				"ledger_entries": stats.LedgerEntries,
			},
		}
	})
	c.RegisterFunc("ledger", true, func(ctx context.Context) health.CheckResult {
		if err := led.Verify(); err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Details: map[string]interface{}{"entries": led.Len()},
		}
	})
	c.RegisterFunc("engine", true, func(ctx context.Context) health.CheckResult {
		status := eng.Status()
		if !status.Running {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "engine not running"}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Details: map[string]interface{}{"elements": len(status.Elements)},
		}
	})
}

// loadVerifierKeys loads every key file in the configured directory.
// The file name (minus extension) becomes the key ID.
func loadVerifierKeys(v *osnma.Verifier, cfg config.OSNMAConfig) (int, error) {
	if v == nil {
		return 0, nil
	}
	dirEntries, err := os.ReadDir(cfg.KeyDir)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		path := filepath.Join(cfg.KeyDir, name)
		switch osnma.Algorithm(cfg.Algorithm) {
		case osnma.AlgorithmEd25519:
			err = v.LoadVerifyKey(id, path)
		default:
			err = v.LoadHMACKey(id, path)
		}
		if err != nil {
			return loaded, fmt.Errorf("key %s: %w", name, err)
		}
		loaded++
	}
	return loaded, nil
}

func buildLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	if cfg.Output != "" {
		lc.Output = cfg.Output
	}
	if cfg.FilePath != "" {
		lc.FilePath = cfg.FilePath
	}
	if cfg.MaxSizeMB > 0 {
		lc.MaxSizeMB = int64(cfg.MaxSizeMB)
	}
	if cfg.MaxBackups > 0 {
		lc.MaxBackups = cfg.MaxBackups
	}
	if cfg.MaxAgeDays > 0 {
		lc.MaxAgeDays = cfg.MaxAgeDays
	}
	lc.Compress = cfg.Compress
	lc.Component = "tresd"
	return logging.New(lc)
}

// ============================================================
// pid file
// ============================================================

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func daemonRunning(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// ============================================================
// verify
// ============================================================

func cmdVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "configuration file")
	dbPath := fs.String("db", "", "database path (overrides configuration)")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tresd: %v\n", err)
		os.Exit(1)
	}
	path := cfg.Storage.Path
	if *dbPath != "" {
		path = *dbPath
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tresd: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	entries, err := st.LoadLedgerEntries()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tresd: load ledger: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Ledger Verification ===")
	fmt.Printf("Database:  %s\n", path)
	fmt.Printf("Entries:   %d\n", len(entries))

	if len(entries) == 0 {
		fmt.Println("Chain:     empty")
		return
	}

	head := entries[len(entries)-1].Hash
	fmt.Printf("Head:      %s\n", head.String())
	fmt.Printf("First:     %s\n", entries[0].Timestamp.Format(time.RFC3339))
	fmt.Printf("Last:      %s\n", entries[len(entries)-1].Timestamp.Format(time.RFC3339))

	if err := ledger.VerifyEntries(entries); err != nil {
		fmt.Printf("Chain:     BROKEN\n")
		fmt.Fprintf(os.Stderr, "tresd: %v\n", err)
		var ierr *ledger.IntegrityError
		if errors.As(err, &ierr) {
			fmt.Fprintf(os.Stderr, "tresd: first bad entry at sequence %d\n", ierr.Sequence)
		}
		os.Exit(1)
	}
	fmt.Println("Chain:     valid")

	if cfg.Anchor.Enabled {
		a, err := anchor.FromConfig(cfg.Anchor)
		if err != nil {
			fmt.Printf("Anchor:    unavailable (%v)\n", err)
			return
		}
		defer a.Close()
		if err := a.VerifyHead(uint64(len(entries)), head); err != nil {
			fmt.Printf("Anchor:    MISMATCH\n")
			fmt.Fprintf(os.Stderr, "tresd: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Anchor:    consistent")
	}
}

// ============================================================
// status
// ============================================================

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socketPath := fs.String("socket", "", "control socket path")
	fs.Parse(os.Args[2:])

	ccfg := ipc.DefaultClientConfig(config.TresdDir())
	ccfg.ClientName = "tresd-status"
	ccfg.AutoReconnect = false
	if *socketPath != "" {
		ccfg.SocketPath = *socketPath
	}

	client := ipc.NewClient(ccfg)
	if err := client.Connect(); err != nil {
		fmt.Println("=== tresd Status ===")
		fmt.Println("Daemon:    not running")
		if !errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "tresd: %v\n", err)
		}
		os.Exit(1)
	}
	defer client.Close()

	resp, err := client.Status(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tresd: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== tresd Status ===")
	fmt.Printf("Daemon:    running (version %s)\n", resp.Version)
	fmt.Printf("Uptime:    %s\n", resp.Uptime.Round(time.Second))
	fmt.Printf("EMCON:     %v\n", resp.Engine.EMCON)
	fmt.Printf("Ledger:    %d entries, head %s\n",
		resp.Engine.Ledger.Entries, resp.Engine.Ledger.Head.String())
	fmt.Printf("Elements:  %d\n", len(resp.Engine.Elements))
	for _, el := range resp.Engine.Elements {
		fmt.Printf("  %-16s %s  source=%s\n", el.Element, el.Level, el.Source)
	}
}
