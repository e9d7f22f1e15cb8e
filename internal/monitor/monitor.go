// Package monitor periodically scans every account for liquidation
// candidates and prunes the processed-request log.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MarginRisk/internal/event"
	"MarginRisk/internal/health"
	"MarginRisk/internal/observability"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CandidateSink receives the candidates of each scan. core.RiskEngine
// implements it.
type CandidateSink interface {
	ReportCandidates(ctx context.Context, cands []*event.LiquidationCandidate)
}

// RequestPruner deletes processed request ids older than cutoff.
type RequestPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	// ScanSchedule and PruneSchedule are cron specs; descriptors such as
	// "@every 30s" are accepted.
	ScanSchedule     string
	PruneSchedule    string
	RequestRetention time.Duration
	Now              func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ScanSchedule:     "@every 30s",
		PruneSchedule:    "@hourly",
		RequestRetention: 24 * time.Hour,
		Now:              time.Now,
	}
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Scanned    int
	Skipped    int
	Candidates []*event.LiquidationCandidate
}

type Monitor struct {
	cron    *cron.Cron
	store   state.Store
	sink    CandidateSink
	pruner  RequestPruner
	cfg     Config
	metrics *observability.Metrics
	log     zerolog.Logger

	// accounts labelled in AccountHealth by the previous scan
	mu       sync.Mutex
	labelled map[uuid.UUID]bool
}

// New builds a monitor. sink, pruner and metrics may be nil.
func New(store state.Store, sink CandidateSink, pruner RequestPruner, cfg Config, metrics *observability.Metrics) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := observability.NewLogger("monitor")
	return &Monitor{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
		store:    store,
		sink:     sink,
		pruner:   pruner,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
		labelled: make(map[uuid.UUID]bool),
	}
}

// Start registers the jobs and starts the scheduler.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.cfg.ScanSchedule, func() {
		if _, err := m.Scan(ctx); err != nil {
			m.log.Error().Err(err).Msg("liquidation scan failed")
		}
	}); err != nil {
		return fmt.Errorf("register scan %q: %w", m.cfg.ScanSchedule, err)
	}
	if m.pruner != nil && m.cfg.RequestRetention > 0 {
		if _, err := m.cron.AddFunc(m.cfg.PruneSchedule, func() {
			if _, err := m.Prune(ctx); err != nil {
				m.log.Error().Err(err).Msg("request log prune failed")
			}
		}); err != nil {
			return fmt.Errorf("register prune %q: %w", m.cfg.PruneSchedule, err)
		}
	}
	m.cron.Start()
	m.log.Info().Str("scan", m.cfg.ScanSchedule).Msg("monitor started")
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info().Msg("monitor stopped")
}

// Scan evaluates every account with scanning retrieval in one read-only
// view and reports the liquidatable ones. Accounts whose health cannot be
// built (stale price, missing record) are skipped and logged.
func (m *Monitor) Scan(ctx context.Context) (*ScanResult, error) {
	start := time.Now()
	now := m.cfg.Now()
	res := &ScanResult{}

	err := m.store.View(ctx, func(tx state.Tx) error {
		ids, err := tx.AccountIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			acct, err := tx.Account(ctx, id)
			if err != nil {
				return err
			}
			res.Scanned++
			hc, err := build(ctx, tx, acct, now)
			if err != nil {
				res.Skipped++
				m.log.Warn().Err(err).Str("account_id", id.String()).Msg("skip account")
				continue
			}
			liq, err := hc.IsLiquidatable()
			if err != nil || !liq {
				continue
			}
			initH, err := hc.Health(health.Init)
			if err != nil {
				continue
			}
			maintH, _ := hc.Health(health.Maint)
			res.Candidates = append(res.Candidates, &event.LiquidationCandidate{
				AccountID:   id,
				MaintHealth: maintH,
				InitHealth:  initH,
				ScannedAt:   now.UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.MonitorScanDuration.Observe(time.Since(start).Seconds())
		m.metrics.LiquidationCandidates.Set(float64(len(res.Candidates)))
		m.relabel(res.Candidates)
	}
	if m.sink != nil {
		m.sink.ReportCandidates(ctx, res.Candidates)
	}
	m.log.Debug().
		Int("scanned", res.Scanned).
		Int("skipped", res.Skipped).
		Int("candidates", len(res.Candidates)).
		Dur("took", time.Since(start)).
		Msg("liquidation scan")
	return res, nil
}

// Prune drops request ids older than the retention window.
func (m *Monitor) Prune(ctx context.Context) (int64, error) {
	if m.pruner == nil {
		return 0, nil
	}
	n, err := m.pruner.Prune(ctx, m.cfg.Now().Add(-m.cfg.RequestRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int64("pruned", n).Msg("request log pruned")
	}
	return n, nil
}

func build(ctx context.Context, tx state.Tx, acct *state.Account, now time.Time) (*health.HealthCache, error) {
	records, err := state.HealthRecords(ctx, tx, acct)
	if err != nil {
		return nil, err
	}
	r, err := health.NewScanningRetriever(records, now)
	if err != nil {
		return nil, err
	}
	return health.NewHealthCache(acct, r)
}

// relabel publishes per-account health for current candidates and removes
// the series of accounts that recovered.
func (m *Monitor) relabel(cands []*event.LiquidationCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[uuid.UUID]bool, len(cands))
	for _, c := range cands {
		id := c.AccountID.String()
		init, _ := c.InitHealth.Float64()
		maint, _ := c.MaintHealth.Float64()
		m.metrics.AccountHealth.WithLabelValues(id, health.Init.String()).Set(init)
		m.metrics.AccountHealth.WithLabelValues(id, health.Maint.String()).Set(maint)
		current[c.AccountID] = true
	}
	for id := range m.labelled {
		if !current[id] {
			m.metrics.AccountHealth.DeleteLabelValues(id.String(), health.Init.String())
			m.metrics.AccountHealth.DeleteLabelValues(id.String(), health.Maint.String())
		}
	}
	m.labelled = current
}
