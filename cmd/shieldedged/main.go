// shieldedged is the shield tunneling edge data platform daemon.
//
// It wires the components in dependency order: store, buffer writer,
// quality pipeline, source collectors, ring aligner, retention job and
// the in-process service facade, then pumps collector output through
// the pipeline into the buffer until SIGINT or SIGTERM. Shutdown runs
// in this order: collectors stop intake, the pipeline
// drains its pending gaps, the buffer flushes within its grace window,
// the jobs finish their tick, the store closes.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/aligner"
	"github.com/tbmworks/shieldedge/internal/buffer"
	"github.com/tbmworks/shieldedge/internal/collector"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/loader"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/observability"
	"github.com/tbmworks/shieldedge/internal/pipeline"
	"github.com/tbmworks/shieldedge/internal/retention"
	"github.com/tbmworks/shieldedge/internal/service"
	"github.com/tbmworks/shieldedge/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfgDir := flag.String("config", "config", "config directory")
	dbPath := flag.String("db", "", "database path (overrides config and DB_PATH)")
	logLevel := flag.String("log-level", "", "debug|info|warn|error (or LOG_LEVEL env)")
	jsonLogs := flag.Bool("json-logs", false, "log as JSON")
	watch := flag.Bool("watch", false, "reload config on changes")
	flag.Parse()

	level := *logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logging.Init(logging.ParseLevel(level), *jsonLogs)
	log := logging.Component("daemon")
	log.Info("shieldedged starting", "version", Version)

	snap, err := loader.Load(*cfgDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("load config", "dir", *cfgDir, "error", err)
			os.Exit(1)
		}
		log.Warn("no config directory, using defaults", "dir", *cfgDir)
		if snap, err = loader.Default(); err != nil {
			log.Error("build default config", "error", err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		snap.Store.Path = *dbPath
	}
	provider := config.NewProvider(snap)

	if err := run(provider, *cfgDir, *watch); err != nil {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	log.Info("shieldedged stopped")
}

// run wires the components, pumps samples until a signal arrives, and
// tears everything down in reverse order.
func run(provider *config.Provider, cfgDir string, watch bool) error {
	snap := provider.Current()
	log := logging.Component("daemon")

	// =========================================================================
	// Wiring
	// =========================================================================

	st, err := store.Open(snap.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	writer := buffer.New(st, snap.Buffer)
	if err := writer.Start(); err != nil {
		return fmt.Errorf("start buffer writer: %w", err)
	}

	sink := observability.NewCollector()
	pipe := pipeline.New(provider, sink)

	manager, err := collector.NewManager(snap, collector.Dialers{
		Subscription: collector.DialFeed,
		Register:     collector.DialModbus,
	})
	if err != nil {
		writer.Stop()
		return fmt.Errorf("build collectors: %w", err)
	}

	align := aligner.New(st, provider)
	ret := retention.New(st, provider)
	svc := service.New(st, provider)
	svc.Attach(manager, writer, align)

	var watcher *loader.Watcher
	if watch {
		watcher = loader.NewWatcher(cfgDir, provider, appconfig.DefaultConfigWatchInterval)
		watcher.Start()
	}

	// =========================================================================
	// Run
	// =========================================================================

	if err := manager.Start(); err != nil {
		writer.Stop()
		return fmt.Errorf("start collectors: %w", err)
	}
	if err := align.Start(); err != nil {
		manager.Stop()
		writer.Stop()
		return fmt.Errorf("start aligner: %w", err)
	}
	if err := ret.Start(); err != nil {
		align.Stop()
		manager.Stop()
		writer.Stop()
		return fmt.Errorf("start retention job: %w", err)
	}

	var g errgroup.Group
	pumpDone := make(chan struct{})
	g.Go(func() error {
		defer close(pumpDone)
		pump(manager, pipe, writer)
		return nil
	})

	log.Info("daemon running",
		"sources", len(snap.Sources),
		"db", snap.Store.Path)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	case <-pumpDone:
		log.Warn("sample pump exited, shutting down")
	}

	// =========================================================================
	// Shutdown
	// =========================================================================

	if watcher != nil {
		watcher.Stop()
	}
	if err := manager.Stop(); err != nil {
		log.Warn("stop collectors", "error", err)
	}
	g.Wait()

	// Collectors are stopped, so pending gaps can never resolve
	// forward. Emit what qualifies and flush the rest through.
	for _, s := range pipe.FlushExpired() {
		writer.Enqueue(s)
	}

	if err := writer.Stop(); err != nil {
		log.Warn("stop buffer writer", "error", err)
	}
	if err := ret.Stop(); err != nil {
		log.Warn("stop retention job", "error", err)
	}
	if err := align.Stop(); err != nil {
		log.Warn("stop aligner", "error", err)
	}
	return nil
}

// pump moves samples from the merged collector output through the
// pipeline into the buffer writer. Gaps whose look-ahead elapsed are
// resolved on a timer. Returns when the collector output closes.
func pump(manager *collector.Manager, pipe *pipeline.Pipeline, writer *buffer.Writer) {
	ticker := time.NewTicker(appconfig.DefaultGapFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-manager.Output():
			if !ok {
				return
			}
			for _, out := range pipe.Process(s) {
				writer.Enqueue(out)
			}
		case <-ticker.C:
			for _, out := range pipe.FlushExpired() {
				writer.Enqueue(out)
			}
		}
	}
}
