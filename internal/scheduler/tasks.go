package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"guardian/internal/audit"
	"guardian/internal/drift"
	"guardian/internal/gdpr"
	"guardian/internal/metrics"
)

// Job names.
const (
	JobVerifyAudit    = "verify_audit"
	JobRetentionPurge = "retention_purge"
	JobDriftDecay     = "drift_decay"
)

// Tasks are the maintenance jobs of the service.
type Tasks struct {
	Audit       *audit.Store
	GDPR        *gdpr.Store
	Tracker     *drift.Tracker
	Metrics     *metrics.Metrics
	Retention   time.Duration
	DecayFactor float64
	now         func() time.Time
}

// VerifyAudit walks the audit chain. A broken chain is returned as an error
// and flips the chain-valid gauge.
func (t Tasks) VerifyAudit(ctx context.Context) error {
	rep, err := t.Audit.Verify(ctx)
	if t.Metrics != nil {
		if rep.Valid && err == nil {
			t.Metrics.AuditChainValid.Set(1)
		} else {
			t.Metrics.AuditChainValid.Set(0)
			t.Metrics.AuditVerifyFailures.Inc()
		}
	}
	if err != nil {
		return err
	}
	log.Info().Str("component", "scheduler").Int64("events", rep.Events).Str("head", rep.Head).Msg("audit chain verified")
	return nil
}

// PurgeRetention deletes interaction records older than the retention period.
func (t Tasks) PurgeRetention(ctx context.Context) error {
	if t.Retention <= 0 {
		return nil
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	n, err := t.GDPR.Purge(ctx, now().Add(-t.Retention))
	if err != nil {
		return err
	}
	log.Info().Str("component", "scheduler").Int64("records", n).Dur("retention", t.Retention).Msg("retention purge done")
	return nil
}

// DecayDrift shrinks every session EWMA so idle sessions calm down.
func (t Tasks) DecayDrift(ctx context.Context) error {
	n, err := t.Tracker.Decay(ctx, t.DecayFactor)
	if err != nil {
		return err
	}
	log.Debug().Str("component", "scheduler").Int("sessions", n).Float64("factor", t.DecayFactor).Msg("drift decayed")
	return nil
}

// Register schedules the three tasks with the given cron specs.
func (t Tasks) Register(s *Scheduler, verifySpec, purgeSpec, decaySpec string) error {
	if err := s.Schedule(JobVerifyAudit, verifySpec, t.VerifyAudit); err != nil {
		return err
	}
	if err := s.Schedule(JobRetentionPurge, purgeSpec, t.PurgeRetention); err != nil {
		return err
	}
	return s.Schedule(JobDriftDecay, decaySpec, t.DecayDrift)
}
