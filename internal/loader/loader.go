// Package loader handles configuration directory loading.
//
// This package is responsible for:
//   - Loading every YAML file in the configuration directory
//   - Expanding environment variables
//   - Merging sections across files
//   - Applying defaults and validating the result
//   - Converting YAML into the value structs the core consumes
//
// The rest of the platform never parses text: it reads config.Snapshot
// values published by this package.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Load
// =============================================================================

// Load reads every *.yaml and *.yml file in dir, merges them in lexical
// order, applies defaults, validates, and returns the resulting snapshot.
func Load(dir string) (*config.Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	merged := &File{}
	for _, path := range paths {
		f, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		merge(merged, f)
	}

	snap, err := build(merged)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Default returns the snapshot an empty configuration produces: no
// sources, every other section at its documented default.
func Default() (*config.Snapshot, error) {
	snap, err := build(&File{})
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// loadFile parses one YAML file with environment variables expanded.
func loadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &f, nil
}

// merge folds src into dst. Map sections merge per key; struct sections
// replace wholesale when present.
func merge(dst, src *File) {
	if src.Sources != nil {
		if dst.Sources == nil {
			dst.Sources = make(map[string]*SourceYAML)
		}
		for id, s := range src.Sources {
			dst.Sources[id] = s
		}
	}
	if src.Thresholds != nil {
		if dst.Thresholds == nil {
			dst.Thresholds = make(map[string]*ThresholdYAML)
		}
		for tag, t := range src.Thresholds {
			dst.Thresholds[tag] = t
		}
	}
	if src.Calibration != nil {
		if dst.Calibration == nil {
			dst.Calibration = make(map[string]*CalibrationYAML)
		}
		for tag, c := range src.Calibration {
			dst.Calibration[tag] = c
		}
	}
	if src.Reasonableness != nil {
		if dst.Reasonableness == nil {
			dst.Reasonableness = &ReasonablenessYAML{}
		}
		if src.Reasonableness.Tags != nil {
			if dst.Reasonableness.Tags == nil {
				dst.Reasonableness.Tags = make(map[string]*RateRuleYAML)
			}
			for tag, r := range src.Reasonableness.Tags {
				dst.Reasonableness.Tags[tag] = r
			}
		}
		dst.Reasonableness.Cross = append(dst.Reasonableness.Cross, src.Reasonableness.Cross...)
	}
	if src.Pipeline != nil {
		dst.Pipeline = src.Pipeline
	}
	if src.Buffer != nil {
		dst.Buffer = src.Buffer
	}
	if src.Store != nil {
		dst.Store = src.Store
	}
	if src.Aligner != nil {
		dst.Aligner = src.Aligner
	}
}

// =============================================================================
// Build
// =============================================================================

// build converts the merged YAML into a validated-shape snapshot with
// defaults applied.
func build(f *File) (*config.Snapshot, error) {
	snap := &config.Snapshot{LoadedAt: time.Now()}

	ids := make([]string, 0, len(f.Sources))
	for id := range f.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		src, err := buildSource(id, f.Sources[id])
		if err != nil {
			return nil, err
		}
		snap.Sources = append(snap.Sources, src)
	}

	snap.Pipeline = buildPipeline(f)
	snap.Buffer = buildBuffer(f.Buffer)
	snap.Store = buildStore(f.Store)
	snap.Aligner = buildAligner(f.Aligner)

	return snap, nil
}

func buildSource(id string, y *SourceYAML) (config.SourceConfig, error) {
	src := config.SourceConfig{
		ID:            id,
		Kind:          config.SourceKind(y.Kind),
		Endpoint:      y.Endpoint,
		IntervalMs:    y.IntervalMs,
		IntervalSec:   y.IntervalSec,
		QueueSize:     y.QueueSize,
		Auth:          config.AuthMode(y.Auth),
		TokenEnv:      y.TokenEnv,
		Username:      y.Username,
		Community:     y.Community,
		RingNumberTag: y.RingNumberTag,
	}

	switch strings.ToLower(y.Table) {
	case "plc", "":
		src.Table = types.TablePLC
	case "attitude":
		src.Table = types.TableAttitude
	case "monitoring":
		src.Table = types.TableMonitoring
	default:
		return src, errors.NewValidation(
			fmt.Sprintf("sources.%s.table", id), "unknown table "+y.Table)
	}

	for _, t := range y.Tags {
		src.Tags = append(src.Tags, config.TagConfig{
			Name:    t.Name,
			Type:    config.TagType(t.Type),
			Unit:    t.Unit,
			Address: t.Address,
		})
	}

	src.Backoff = config.BackoffConfig{
		Min:    appconfig.DefaultBackoffMin,
		Max:    appconfig.DefaultBackoffMax,
		Jitter: appconfig.DefaultBackoffJitter,
	}
	if y.Backoff != nil {
		if y.Backoff.Min > 0 {
			src.Backoff.Min = y.Backoff.Min.Duration()
		}
		if y.Backoff.Max > 0 {
			src.Backoff.Max = y.Backoff.Max.Duration()
		}
		if y.Backoff.Jitter != nil {
			src.Backoff.Jitter = *y.Backoff.Jitter
		}
	}

	if src.IntervalMs == 0 && src.Kind == config.KindPolling {
		src.IntervalMs = appconfig.DefaultPollIntervalMs
	}
	if src.IntervalSec == 0 && (src.Kind == config.KindPull || src.Kind == config.KindSNMP) {
		src.IntervalSec = appconfig.DefaultPullIntervalSec
	}
	if src.QueueSize == 0 {
		src.QueueSize = appconfig.DefaultOutputQueueSize
	}
	if src.Community == "" && src.Kind == config.KindSNMP {
		src.Community = "public"
	}
	if src.Auth == "" {
		src.Auth = config.AuthNone
	}

	return src, nil
}

func buildPipeline(f *File) config.PipelineConfig {
	p := config.PipelineConfig{
		HistorySize:   appconfig.DefaultHistorySize,
		HistoryWindow: appconfig.DefaultHistoryWindow,
		GapMaxSeconds: appconfig.DefaultGapMaxSeconds,
		Thresholds:    make(map[string]config.ThresholdConfig),
		MaxRates:      make(map[string]float64),
		Calibrations:  make(map[string]config.CalibrationConfig),
	}

	if f.Pipeline != nil {
		if f.Pipeline.HistorySize > 0 {
			p.HistorySize = f.Pipeline.HistorySize
		}
		if f.Pipeline.HistoryWindow > 0 {
			p.HistoryWindow = f.Pipeline.HistoryWindow.Duration()
		}
		if f.Pipeline.GapMaxSeconds > 0 {
			p.GapMaxSeconds = f.Pipeline.GapMaxSeconds
		}
	}

	for tag, t := range f.Thresholds {
		p.Thresholds[tag] = config.ThresholdConfig{
			Min:      t.Min,
			Max:      t.Max,
			WarnLow:  t.WarnLow,
			WarnHigh: t.WarnHigh,
		}
	}
	for tag, c := range f.Calibration {
		p.Calibrations[tag] = config.CalibrationConfig{
			Offset: c.Offset,
			Scale:  c.Scale,
		}
	}
	if f.Reasonableness != nil {
		for tag, r := range f.Reasonableness.Tags {
			p.MaxRates[tag] = r.MaxRate
		}
		for _, c := range f.Reasonableness.Cross {
			p.CrossRules = append(p.CrossRules, config.CrossRule{
				Name:         c.Name,
				When:         c.When,
				WhenAbove:    c.WhenAbove,
				Require:      c.Require,
				RequireAbove: c.RequireAbove,
			})
		}
	}

	return p
}

func buildBuffer(y *BufferYAML) config.BufferConfig {
	b := config.BufferConfig{
		MaxSize:         appconfig.DefaultBufferMaxSize,
		FlushThreshold:  appconfig.DefaultFlushThreshold,
		FlushInterval:   appconfig.DefaultFlushInterval,
		FlushRetryDelay: appconfig.DefaultFlushRetryDelay,
		ShutdownGrace:   appconfig.DefaultShutdownGrace,
		Overflow:        config.OverflowDropOldest,
		PoisonDir:       appconfig.DefaultPoisonDir,
	}
	if y == nil {
		return b
	}
	if y.MaxSize > 0 {
		b.MaxSize = y.MaxSize
	}
	if y.FlushThreshold > 0 {
		b.FlushThreshold = y.FlushThreshold
	}
	if y.FlushInterval > 0 {
		b.FlushInterval = y.FlushInterval.Duration()
	}
	if y.ShutdownGrace > 0 {
		b.ShutdownGrace = y.ShutdownGrace.Duration()
	}
	if y.Overflow != "" {
		b.Overflow = config.OverflowPolicy(y.Overflow)
	}
	if y.PoisonDir != "" {
		b.PoisonDir = y.PoisonDir
	}
	return b
}

func buildStore(y *StoreYAML) config.StoreConfig {
	s := config.StoreConfig{
		Path:        appconfig.DefaultDBPath,
		BusyRetries: appconfig.DefaultBusyRetries,
		RetentionDays: map[string]int{
			types.TablePLC.String():        appconfig.DefaultRetentionDays,
			types.TableAttitude.String():   appconfig.DefaultRetentionDays,
			types.TableMonitoring.String(): appconfig.DefaultRetentionDays,
		},
	}
	if y != nil {
		if y.Path != "" {
			s.Path = y.Path
		}
		if y.BusyRetries > 0 {
			s.BusyRetries = y.BusyRetries
		}
		for table, days := range y.RetentionDays {
			s.RetentionDays[table] = days
		}
		s.ArchiveDir = y.ArchiveDir
	}

	// DB_PATH wins over the file so deployments can relocate the
	// database without editing config.
	if env := os.Getenv("DB_PATH"); env != "" {
		s.Path = env
	}
	return s
}

func buildAligner(y *AlignerYAML) config.AlignerConfig {
	a := config.AlignerConfig{
		TickInterval:        appconfig.DefaultAlignerTickInterval,
		SettlementLagWindow: appconfig.DefaultSettlementLagWindow,
		GraceWindow:         appconfig.DefaultGraceWindow,
		MaxRingAge:          appconfig.DefaultMaxRingAge,
		Geometry: config.GeometryConfig{
			TunnelDiameter: appconfig.DefaultTunnelDiameter,
			RingWidth:      appconfig.DefaultRingWidth,
		},
		Indicators:      map[string]string{},
		AttitudeTags:    map[string]string{},
		SettlementTag:   "settlement",
		DisplacementTag: "displacement",
	}
	if y == nil {
		return a
	}
	if y.TickInterval > 0 {
		a.TickInterval = y.TickInterval.Duration()
	}
	if y.SettlementLagWindow > 0 {
		a.SettlementLagWindow = y.SettlementLagWindow.Duration()
	}
	if y.GraceWindow > 0 {
		a.GraceWindow = y.GraceWindow.Duration()
	}
	if y.MaxRingAge > 0 {
		a.MaxRingAge = y.MaxRingAge.Duration()
	}
	if y.Geometry != nil {
		if y.Geometry.TunnelDiameter > 0 {
			a.Geometry.TunnelDiameter = y.Geometry.TunnelDiameter
		}
		if y.Geometry.RingWidth > 0 {
			a.Geometry.RingWidth = y.Geometry.RingWidth
		}
		if y.Geometry.TailVoidVolume > 0 {
			a.Geometry.TailVoidVolume = y.Geometry.TailVoidVolume
		}
	}
	a.CutterheadRPM = y.CutterheadRPM
	for _, z := range y.Zones {
		a.Zones = append(a.Zones, config.ZoneConfig{
			Name:     z.Name,
			FromRing: z.FromRing,
			ToRing:   z.ToRing,
		})
	}
	for name, tag := range y.Indicators {
		a.Indicators[name] = tag
	}
	for field, tag := range y.AttitudeTags {
		a.AttitudeTags[field] = tag
	}
	if y.SettlementTag != "" {
		a.SettlementTag = y.SettlementTag
	}
	if y.DisplacementTag != "" {
		a.DisplacementTag = y.DisplacementTag
	}
	return a
}

// =============================================================================
// Config Watcher
// =============================================================================

// Watcher polls the configuration directory and republishes a snapshot
// when any file changes. A reload that fails validation keeps the prior
// snapshot live.
type Watcher struct {
	dir      string
	provider *config.Provider
	interval time.Duration
	done     chan struct{}
	modTimes map[string]time.Time
}

// NewWatcher creates a watcher publishing into provider.
func NewWatcher(dir string, provider *config.Provider, interval time.Duration) *Watcher {
	return &Watcher{
		dir:      dir,
		provider: provider,
		interval: interval,
		done:     make(chan struct{}),
		modTimes: make(map[string]time.Time),
	}
}

// Start begins watching.
func (w *Watcher) Start() {
	w.snapshotModTimes()
	go w.watch()
}

// Stop stops watching.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) watch() {
	log := logging.Component("loader")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if !w.changed() {
				continue
			}
			snap, err := Load(w.dir)
			if err != nil {
				log.Error("config reload rejected", "error", err)
				continue
			}
			w.provider.Publish(snap)
			log.Info("config reloaded", "sources", len(snap.Sources))
		}
	}
}

func (w *Watcher) changed() bool {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return false
	}
	changed := false
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if prev, ok := w.modTimes[path]; !ok || info.ModTime().After(prev) {
			w.modTimes[path] = info.ModTime()
			changed = true
		}
	}
	return changed
}

func (w *Watcher) snapshotModTimes() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			w.modTimes[filepath.Join(w.dir, e.Name())] = info.ModTime()
		}
	}
}
