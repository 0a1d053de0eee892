package config

import (
	"fmt"

	"github.com/tbmworks/shieldedge/internal/errors"
)

// =============================================================================
// Validation
// =============================================================================

// Validate checks a snapshot for configuration errors. All problems are
// collected so an operator sees the full list at once.
func (s *Snapshot) Validate() error {
	errs := errors.NewValidationErrors()

	seen := make(map[string]bool, len(s.Sources))
	for i := range s.Sources {
		validateSource(&s.Sources[i], i, seen, errs)
	}

	validatePipeline(&s.Pipeline, errs)
	validateBuffer(&s.Buffer, errs)
	validateStore(&s.Store, errs)
	validateAligner(&s.Aligner, errs)

	return errs.Err()
}

func validateSource(src *SourceConfig, i int, seen map[string]bool, errs *errors.ValidationErrors) {
	field := func(name string) string {
		return fmt.Sprintf("sources[%d].%s", i, name)
	}

	if src.ID == "" {
		errs.AddMissing(field("id"))
	} else if seen[src.ID] {
		errs.AddField(field("id"), "duplicate source id "+src.ID)
	}
	seen[src.ID] = true

	switch src.Kind {
	case KindSubscription, KindPolling, KindPull, KindSNMP:
	case "":
		errs.AddMissing(field("kind"))
	default:
		errs.Add(errors.Wrapf(errors.ErrUnknownKind, "%s: %q", field("kind"), src.Kind))
	}

	if src.Endpoint == "" {
		errs.AddMissing(field("endpoint"))
	}
	if len(src.Tags) == 0 {
		errs.AddField(field("tags"), "at least one tag is required")
	}
	tagSeen := make(map[string]bool, len(src.Tags))
	for j, tag := range src.Tags {
		if tag.Name == "" {
			errs.AddMissing(fmt.Sprintf("%s[%d].name", field("tags"), j))
			continue
		}
		if tagSeen[tag.Name] {
			errs.AddField(field("tags"), "duplicate tag "+tag.Name)
		}
		tagSeen[tag.Name] = true
	}

	switch src.Kind {
	case KindPolling:
		if src.IntervalMs <= 0 {
			errs.Add(errors.Wrap(errors.ErrInvalidInterval, field("interval_ms")))
		}
	case KindPull, KindSNMP:
		if src.IntervalSec <= 0 {
			errs.Add(errors.Wrap(errors.ErrInvalidInterval, field("interval_sec")))
		}
	}

	if src.Kind == KindPull {
		switch src.Auth {
		case AuthNone, "":
		case AuthBearer:
			if src.TokenEnv == "" {
				errs.AddMissing(field("token_env"))
			}
		case AuthBasic:
			if src.Username == "" {
				errs.AddMissing(field("username"))
			}
			if src.TokenEnv == "" {
				errs.AddMissing(field("token_env"))
			}
		default:
			errs.AddField(field("auth"), "unknown mode "+string(src.Auth))
		}
	}

	if src.Backoff.Min < 0 || src.Backoff.Max < 0 {
		errs.AddField(field("backoff"), "negative duration")
	}
	if src.Backoff.Max > 0 && src.Backoff.Min > src.Backoff.Max {
		errs.AddField(field("backoff"), "min exceeds max")
	}
	if src.Backoff.Jitter < 0 || src.Backoff.Jitter > 1 {
		errs.AddField(field("backoff.jitter"), "must be in [0, 1]")
	}
	if src.QueueSize < 0 {
		errs.AddField(field("queue_size"), "must not be negative")
	}

	if src.RingNumberTag != "" && !tagSeen[src.RingNumberTag] {
		errs.Add(errors.Wrapf(errors.ErrUnknownTag,
			"%s: %q not in tag list", field("ring_number_tag"), src.RingNumberTag))
	}
}

func validatePipeline(p *PipelineConfig, errs *errors.ValidationErrors) {
	if p.HistorySize <= 0 {
		errs.AddField("pipeline.history_size", "must be positive")
	}
	if p.GapMaxSeconds <= 0 {
		errs.AddField("pipeline.gap_max_seconds", "must be positive")
	}
	for tag, th := range p.Thresholds {
		if th.Min >= th.Max {
			errs.AddField("pipeline.thresholds."+tag, "min must be below max")
		}
	}
	for tag, rate := range p.MaxRates {
		if rate <= 0 {
			errs.AddField("pipeline.reasonableness."+tag+".max_rate", "must be positive")
		}
	}
	for i, rule := range p.CrossRules {
		if rule.When == "" || rule.Require == "" {
			errs.AddField(fmt.Sprintf("pipeline.cross_rules[%d]", i), "when and require tags are required")
		}
	}
	for tag, cal := range p.Calibrations {
		if cal.Scale == 0 {
			errs.AddField("pipeline.calibration."+tag+".scale", "must be non-zero")
		}
	}
}

func validateBuffer(b *BufferConfig, errs *errors.ValidationErrors) {
	if b.MaxSize <= 0 {
		errs.AddField("buffer.max_size", "must be positive")
	}
	if b.FlushThreshold <= 0 {
		errs.AddField("buffer.flush_threshold", "must be positive")
	}
	if b.FlushThreshold > b.MaxSize {
		errs.AddField("buffer.flush_threshold", "exceeds max_size")
	}
	if b.FlushInterval <= 0 {
		errs.AddField("buffer.flush_interval", "must be positive")
	}
	switch b.Overflow {
	case OverflowDropOldest, OverflowDropNewest, OverflowBlock:
	default:
		errs.AddField("buffer.overflow", "unknown policy "+string(b.Overflow))
	}
}

func validateStore(s *StoreConfig, errs *errors.ValidationErrors) {
	if s.Path == "" {
		errs.AddMissing("store.path")
	}
	if s.BusyRetries < 0 {
		errs.AddField("store.busy_retries", "must not be negative")
	}
	for table, days := range s.RetentionDays {
		if days < 0 {
			errs.AddField("store.retention_days."+table, "must not be negative")
		}
	}
}

func validateAligner(a *AlignerConfig, errs *errors.ValidationErrors) {
	if a.TickInterval <= 0 {
		errs.AddField("aligner.tick_interval", "must be positive")
	}
	if a.SettlementLagWindow < 0 {
		errs.AddField("aligner.settlement_lag_window", "must not be negative")
	}
	if a.GraceWindow < 0 {
		errs.AddField("aligner.grace_window", "must not be negative")
	}
	if a.MaxRingAge <= 0 {
		errs.AddField("aligner.max_ring_age", "must be positive")
	}
	if a.Geometry.TunnelDiameter <= 0 {
		errs.AddField("aligner.geometry.tunnel_diameter", "must be positive")
	}
	if a.Geometry.RingWidth <= 0 {
		errs.AddField("aligner.geometry.ring_width", "must be positive")
	}
	for i, z := range a.Zones {
		if z.Name == "" {
			errs.AddMissing(fmt.Sprintf("aligner.zones[%d].name", i))
		}
		if z.ToRing != 0 && z.FromRing > z.ToRing {
			errs.AddField(fmt.Sprintf("aligner.zones[%d]", i), "from_ring exceeds to_ring")
		}
	}
}
