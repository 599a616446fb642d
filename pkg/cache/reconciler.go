package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReconcileReport describes what a reconciliation pass did.
type ReconcileReport struct {
	// Direction is "durable->mirror", "mirror->durable" or "none".
	Direction string
	Copied    int
	Skipped   bool
}

// Reconciler copies records into whichever tier came up empty so neither
// tier is colder than the other after a restart. It runs at most once per
// Reconciler value; later calls return the first report.
type Reconciler struct {
	durable RecordStore
	mirror  RecordStore
	logger  zerolog.Logger
	now     func() time.Time

	once   sync.Once
	report ReconcileReport
}

// NewReconciler creates a reconciler over the two tiers of a TieredStore.
func NewReconciler(tiers *TieredStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		durable: tiers.Durable(),
		mirror:  tiers.Mirror(),
		logger:  logger.With().Str("component", "Reconciler").Logger(),
		now:     time.Now,
	}
}

// Run performs the reconciliation once. Failures are logged, never returned:
// a cold cache costs latency, not correctness.
func (r *Reconciler) Run(ctx context.Context) ReconcileReport {
	r.once.Do(func() {
		r.report = r.reconcile(ctx)
	})
	return r.report
}

func (r *Reconciler) reconcile(ctx context.Context) ReconcileReport {
	dstats, err := r.durable.Stats(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not read durable store stats; skipping reconciliation.")
		return ReconcileReport{Direction: "none", Skipped: true}
	}
	mstats, err := r.mirror.Stats(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not read mirror stats; skipping reconciliation.")
		return ReconcileReport{Direction: "none", Skipped: true}
	}

	var src, dst RecordStore
	var direction string
	switch {
	case mstats.Total == 0 && dstats.Valid > 0:
		src, dst, direction = r.durable, r.mirror, "durable->mirror"
	case dstats.Total == 0 && mstats.Valid > 0:
		src, dst, direction = r.mirror, r.durable, "mirror->durable"
	default:
		r.logger.Info().
			Int("durable_total", dstats.Total).
			Int("mirror_total", mstats.Total).
			Msg("Cache tiers need no reconciliation.")
		return ReconcileReport{Direction: "none"}
	}

	records, err := src.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("direction", direction).Msg("Could not list source tier; skipping reconciliation.")
		return ReconcileReport{Direction: direction, Skipped: true}
	}

	now := r.now()
	copied := 0
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		if err := dst.Put(ctx, rec); err != nil {
			r.logger.Warn().Err(err).Str("key", rec.Key()).Msg("Failed to copy record during reconciliation.")
			continue
		}
		copied++
	}
	r.logger.Info().Str("direction", direction).Int("copied", copied).Msg("Cache tiers reconciled.")
	return ReconcileReport{Direction: direction, Copied: copied}
}
