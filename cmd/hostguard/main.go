package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BlackVectorOps/hostguard/internal/config"
	"github.com/BlackVectorOps/hostguard/internal/intel"
	"github.com/BlackVectorOps/hostguard/internal/monitor"
	"github.com/BlackVectorOps/hostguard/internal/scanner"
	"github.com/BlackVectorOps/hostguard/internal/sched"
	"github.com/BlackVectorOps/hostguard/pkg/detection"
	"github.com/BlackVectorOps/hostguard/pkg/models"
	"github.com/BlackVectorOps/hostguard/pkg/storage/sigdb"
	"github.com/BlackVectorOps/hostguard/pkg/storage/verdictcache"
	"github.com/BlackVectorOps/hostguard/pkg/version"
)

// Package main provides the hostguard CLI, a developer harness over the
// anti-malware engine core: on-demand scans, real-time monitoring and
// quarantine management.

// -- Main Entry Point --

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `hostguard - endpoint anti-malware engine

Usage:
  hostguard scan [--kind quick|system|full|custom] [targets...]   Run an on-demand scan
  hostguard monitor [paths...]                                    Watch directories in real time
  hostguard quarantine list                                       List vault entries
  hostguard quarantine restore --id <id> --dest <path>            Restore an entry
  hostguard quarantine delete --id <id>                           Delete an entry
  hostguard update --from <signatures.db>                         Install a signature database
  hostguard version                                               Show engine version

Common flags:
  --data-dir   Service data directory (default ./hostguard-data)
  --config     YAML configuration file (default <data-dir>/hostguard.yaml)

Examples:
  hostguard scan --kind custom /srv/uploads
  hostguard monitor /home /srv/uploads
  hostguard quarantine restore --id 1722950000-a1b2c3d4 --dest /tmp/restored.bin
`)
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "scan":
		err = runScan(args)
	case "monitor":
		err = runMonitor(args)
	case "quarantine":
		err = runQuarantine(args)
	case "update":
		err = runUpdate(args)
	case "version":
		fmt.Printf("hostguard %s\n", version.EngineVersion())
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// -- Bootstrap --

type runtimeEnv struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *detection.Engine
	cache  *verdictcache.Store
	cloud  *intel.Client
}

func bootstrap(fs *flag.FlagSet, args []string) (*runtimeEnv, error) {
	dataDir := fs.String("data-dir", "hostguard-data", "service data directory")
	configPath := fs.String("config", "", "configuration file")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	path := *configPath
	if path == "" {
		path = *dataDir + "/hostguard.yaml"
	}
	cfg, err := config.Load(path, *dataDir)
	if err != nil {
		return nil, err
	}

	env := &runtimeEnv{cfg: cfg, logger: logger}

	opts := detection.Options{
		DatabasePath:     cfg.DatabasePath,
		QuarantineDir:    cfg.QuarantineDir,
		Logger:           logger,
		EntropyThreshold: cfg.Heuristics.EntropyThreshold,
	}
	if cfg.Cache.Enabled {
		cache, err := verdictcache.Open(cfg.Cache.Path)
		if err != nil {
			logger.Warn("verdict cache unavailable, scanning without it", "error", err)
		} else {
			env.cache = cache
			opts.Cache = cache
		}
	}
	if cfg.Intel.Enabled {
		cloud, err := intel.New(intel.Options{
			ServerURL:       cfg.Intel.ServerURL,
			APIKey:          cfg.Intel.APIKey,
			CachePath:       cfg.DataDir + "/Intelligence/cache.json",
			RefreshInterval: time.Duration(cfg.Intel.RefreshIntervalMin) * time.Minute,
			Logger:          logger,
		})
		if err != nil {
			logger.Warn("cloud intelligence unavailable", "error", err)
		} else {
			env.cloud = cloud
			opts.Intel = cloud
		}
	}

	engine, err := detection.NewEngine(opts)
	if err != nil {
		env.close()
		return nil, err
	}
	engine.EnableHeuristics(cfg.Heuristics.Enabled)
	env.engine = engine
	return env, nil
}

func (e *runtimeEnv) close() {
	if e.cloud != nil {
		e.cloud.Shutdown()
	}
	if e.cache != nil {
		e.cache.Close()
	}
}

func (e *runtimeEnv) orchestrator() *scanner.Orchestrator {
	return scanner.New(e.engine, scanner.Config{
		SystemPaths: e.cfg.Scan.SystemPaths,
		QuickPaths:  e.cfg.Scan.QuickPaths,
		FullPaths:   e.cfg.Scan.FullPaths,
		Options: models.ScanOptions{
			MaxFileSize:    e.cfg.Scan.MaxFileSize,
			Extensions:     e.cfg.Scan.Extensions,
			Exclusions:     e.cfg.Scan.Exclusions,
			FollowSymlinks: e.cfg.Scan.FollowSymlinks,
		},
		ScanArchives: e.cfg.Monitor.ScanArchives,
	}, e.logger)
}

// -- Commands --

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	kindName := fs.String("kind", "custom", "scan kind: quick, system, full, custom")

	env, err := bootstrap(fs, args)
	if err != nil {
		return err
	}
	defer env.close()

	var kind models.ScanKind
	switch *kindName {
	case "quick":
		kind = models.ScanQuick
	case "system":
		kind = models.ScanSystem
	case "full":
		kind = models.ScanFull
	case "custom":
		kind = models.ScanCustom
	default:
		return fmt.Errorf("unknown scan kind %q", *kindName)
	}
	if kind == models.ScanCustom && fs.NArg() == 0 {
		return fmt.Errorf("custom scan needs at least one target")
	}

	orch := env.orchestrator()
	orch.SetProgressCallback(func(file string, percent uint32, stats models.ScanStatistics) {
		fmt.Fprintf(os.Stderr, "\r[%3d%%] %d scanned, %d threats", percent, stats.ScannedFiles, stats.ThreatsFound)
	})

	result, threats := orch.Scan(kind, fs.Args())
	fmt.Fprintln(os.Stderr)

	stats := orch.Statistics()
	fmt.Printf("Result:   %s\n", result.String())
	fmt.Printf("Files:    %d scanned, %d skipped of %d\n",
		stats.ScannedFiles, stats.SkippedFiles, stats.TotalFiles)
	fmt.Printf("Duration: %s\n", stats.EndTime.Sub(stats.StartTime).Round(time.Millisecond))
	for _, v := range threats {
		fmt.Printf("THREAT: %s  %s (severity %d)\n", v.FilePath, v.ThreatName, v.Severity)
	}
	if result != models.ResultSuccess {
		return fmt.Errorf("scan finished with result %s", result.String())
	}
	return nil
}

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	env, err := bootstrap(fs, args)
	if err != nil {
		return err
	}
	defer env.close()

	m, err := monitor.New(env.engine, monitor.Config{
		Workers:      env.cfg.Monitor.Workers,
		ScanDelay:    env.cfg.Monitor.ScanDelay(),
		ScanArchives: env.cfg.Monitor.ScanArchives,
	}, env.logger)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	m.SetThreatCallback(func(v models.Verdict) {
		fmt.Printf("THREAT: %s  %s (severity %d)\n", v.FilePath, v.ThreatName, v.Severity)
	})

	paths := fs.Args()
	if len(paths) == 0 {
		paths = env.cfg.Monitor.WatchPaths
	}
	if len(paths) == 0 {
		return fmt.Errorf("no watch paths given and none configured")
	}
	for _, p := range paths {
		if err := m.AddWatch(p); err != nil {
			env.logger.Warn("watch path rejected", "path", p, "error", err)
		}
	}
	if len(m.Watched()) == 0 {
		return fmt.Errorf("no watchable paths")
	}

	// The scheduler rides along so configured periodic scans fire while
	// the monitor runs.
	orch := env.orchestrator()
	scheduler := sched.New(orch, env.logger)
	defer scheduler.Shutdown()
	if env.cfg.Schedule.Enabled {
		scheduler.SetConfig(sched.Config{
			Type:       scheduleType(env.cfg.Schedule.Type),
			Hour:       env.cfg.Schedule.Hour,
			DayOfWeek:  time.Weekday(env.cfg.Schedule.DayOfWeek),
			DayOfMonth: env.cfg.Schedule.DayOfMonth,
			Enabled:    true,
			Kind:       env.cfg.Schedule.ScanKind(),
		})
	}

	fmt.Fprintf(os.Stderr, "watching %d paths, ctrl-c to stop\n", len(m.Watched()))
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}

func scheduleType(name string) sched.ScheduleType {
	switch name {
	case "weekly":
		return sched.Weekly
	case "monthly":
		return sched.Monthly
	}
	return sched.Daily
}

func runQuarantine(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("quarantine needs a subcommand: list, restore, delete")
	}
	sub := args[0]
	fs := flag.NewFlagSet("quarantine "+sub, flag.ExitOnError)
	id := fs.String("id", "", "quarantine entry id")
	dest := fs.String("dest", "", "restore destination")

	env, err := bootstrap(fs, args[1:])
	if err != nil {
		return err
	}
	defer env.close()

	store := env.engine.QuarantineStore()
	switch sub {
	case "list":
		entries := store.List()
		if len(entries) == 0 {
			fmt.Println("vault is empty")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s  %s  %d bytes\n",
				e.ID, time.Unix(e.QuarantinedAt, 0).Format(time.RFC3339),
				e.ThreatName, e.OriginalPath, e.OriginalSize)
		}
	case "restore":
		if *id == "" || *dest == "" {
			return fmt.Errorf("restore needs --id and --dest")
		}
		if err := env.engine.Restore(*id, *dest); err != nil {
			return err
		}
		fmt.Printf("restored %s -> %s\n", *id, *dest)
	case "delete":
		if *id == "" {
			return fmt.Errorf("delete needs --id")
		}
		if err := store.Delete(*id); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", *id)
	default:
		return fmt.Errorf("unknown quarantine subcommand %q", sub)
	}
	return nil
}

func runUpdate(args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	from := fs.String("from", "", "signature database to install")

	env, err := bootstrap(fs, args)
	if err != nil {
		return err
	}
	defer env.close()

	if *from == "" {
		return fmt.Errorf("update needs --from")
	}
	db, err := sigdb.NewStore(*from).Load()
	if err != nil {
		return err
	}
	if err := env.engine.UpdateDatabase(db); err != nil {
		return err
	}
	fmt.Printf("installed database version %d with %d signatures\n",
		env.engine.DatabaseVersion(), env.engine.SignatureCount())
	return nil
}
