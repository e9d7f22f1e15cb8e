package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"MarginRisk/internal/core"
	"MarginRisk/internal/health"
	"MarginRisk/internal/observability"
	"MarginRisk/internal/persistence"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEventLogUnavailable is returned by event queries on a store without a
// SQL event log.
var ErrEventLogUnavailable = errors.New("query: event log not available")

const integrityPage = 1000

// QueryService answers read-only questions about accounts. Health queries
// run in a view transaction against current records and never touch the
// engine; responses carry as_of_sequence from the event log when one is
// configured.
type QueryService struct {
	store   state.Store
	events  *persistence.EventLogReader
	now     func() time.Time
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewQueryService builds a service over store. events may be nil.
func NewQueryService(store state.Store, events *persistence.EventLogReader, now func() time.Time, metrics *observability.Metrics) *QueryService {
	if now == nil {
		now = time.Now
	}
	return &QueryService{
		store:   store,
		events:  events,
		now:     now,
		metrics: metrics,
		tracer:  otel.Tracer("MarginRisk/internal/query"),
	}
}

// GetHealth evaluates every health type for the account.
func (qs *QueryService) GetHealth(ctx context.Context, accountID uuid.UUID) (resp *HealthResponse, err error) {
	ctx, done := qs.begin(ctx, "GetHealth", accountID)
	defer func() { done(err) }()

	var acct *state.Account
	var hc *health.HealthCache
	err = qs.store.View(ctx, func(tx state.Tx) error {
		var err error
		if acct, err = tx.Account(ctx, accountID); err != nil {
			return err
		}
		hc, err = qs.scan(ctx, tx, acct)
		return err
	})
	if err != nil {
		return nil, err
	}

	resp = &HealthResponse{
		AccountID:        acct.ID,
		Version:          acct.Version,
		LiquidationState: acct.LiquidationState.String(),
		Health:           make([]HealthValue, 0, len(health.Types)),
	}
	if acct.Region.IsOpen() {
		resp.RegionOpen = acct.Region.Kind.String()
	}
	for _, t := range health.Types {
		h, err := hc.Health(t)
		if err != nil {
			return nil, err
		}
		ratio, err := hc.HealthRatio(t)
		if err != nil {
			return nil, err
		}
		resp.Health = append(resp.Health, HealthValue{Type: t.String(), Health: h, Ratio: ratio})
	}
	if resp.Liquidatable, err = hc.IsLiquidatable(); err != nil {
		return nil, err
	}
	if resp.Collateral, resp.Debt, err = hc.UnweightedValue(); err != nil {
		return nil, err
	}
	digest := hc.Digest()
	resp.CacheDigest = hex.EncodeToString(digest[:])
	resp.AsOfSequence = qs.watermark(ctx)
	return resp, nil
}

// GetAccount returns the account's active positions.
func (qs *QueryService) GetAccount(ctx context.Context, accountID uuid.UUID) (resp *AccountResponse, err error) {
	ctx, done := qs.begin(ctx, "GetAccount", accountID)
	defer func() { done(err) }()

	var acct *state.Account
	err = qs.store.View(ctx, func(tx state.Tx) error {
		var err error
		acct, err = tx.Account(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	resp = &AccountResponse{
		AccountID:        acct.ID,
		Owner:            acct.Owner,
		Version:          acct.Version,
		LiquidationState: acct.LiquidationState.String(),
		Tokens:           make([]TokenBalance, 0, len(acct.Tokens)),
		AsOfSequence:     qs.watermark(ctx),
	}
	for _, tp := range acct.Tokens {
		resp.Tokens = append(resp.Tokens, TokenBalance{TokenIndex: uint16(tp.TokenIndex), Balance: tp.Balance})
	}
	for _, so := range acct.Serum3 {
		resp.Spot = append(resp.Spot, uint16(so.MarketIndex))
	}
	for _, pp := range acct.Perps {
		resp.Perps = append(resp.Perps, PerpBalance{
			MarketIndex:   uint16(pp.MarketIndex),
			BaseLots:      pp.BaseLots,
			QuotePosition: pp.QuotePosition,
			BidsBaseLots:  pp.BidsBaseLots,
			AsksBaseLots:  pp.AsksBaseLots,
		})
	}
	return resp, nil
}

// MaxWithdraw returns how much of token the account can withdraw, borrowing
// if needed, while keeping Init health non-negative. Tokens the account does
// not hold yet are evaluated as an empty position.
func (qs *QueryService) MaxWithdraw(ctx context.Context, accountID uuid.UUID, token state.TokenIndex) (resp *MaxWithdrawResponse, err error) {
	ctx, done := qs.begin(ctx, "MaxWithdraw", accountID)
	defer func() { done(err) }()

	var hc *health.HealthCache
	err = qs.store.View(ctx, func(tx state.Tx) error {
		acct, err := tx.Account(ctx, accountID)
		if err != nil {
			return err
		}
		acct.EnsureTokenPosition(token)
		hc, err = qs.scan(ctx, tx, acct)
		return err
	})
	if err != nil {
		return nil, err
	}

	th, err := hc.MaxWithdraw(token)
	if err != nil {
		return nil, err
	}
	return &MaxWithdrawResponse{
		AccountID:    accountID,
		TokenIndex:   uint16(token),
		Amount:       th.Amount,
		Solution:     th.Kind.String(),
		AsOfSequence: qs.watermark(ctx),
	}, nil
}

// GetAccountEvents returns the account's most recent risk events.
func (qs *QueryService) GetAccountEvents(ctx context.Context, accountID uuid.UUID, limit int) (out []EventResponse, err error) {
	ctx, done := qs.begin(ctx, "GetAccountEvents", accountID)
	defer func() { done(err) }()

	if qs.events == nil {
		return nil, ErrEventLogUnavailable
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := qs.events.AccountEvents(ctx, accountID.String(), limit)
	if err != nil {
		return nil, err
	}
	out = make([]EventResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, EventResponse{
			Sequence:  r.Sequence,
			EventID:   r.EventID,
			EventType: r.EventType,
			Key:       r.IdempotencyKey,
			Payload:   string(r.Payload),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the whole event log and recomputes every state hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	ctx, done := qs.begin(ctx, "VerifyIntegrity", uuid.Nil)
	defer func() { done(err) }()

	if qs.events == nil {
		return nil, ErrEventLogUnavailable
	}

	report = &IntegrityReport{}
	hasher := core.NewStateHasher()
	var prev *persistence.EventRow
	from := int64(0)
	for {
		rows, err := qs.events.LoadEventsFrom(ctx, from, integrityPage)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			row := rows[i]
			if prev != nil {
				if row.Sequence != prev.Sequence+1 {
					report.SequenceGaps = append(report.SequenceGaps, row.Sequence)
				}
				if string(row.PrevHash) != string(prev.StateHash) {
					report.HashChainBreaks = append(report.HashChainBreaks, row.Sequence)
				}
			}

			var prevHash [32]byte
			copy(prevHash[:], row.PrevHash)
			hasher.Resume(prevHash)
			digest := sha256.Sum256(row.Payload)
			if want := hasher.ComputeHash(row.Sequence, digest[:]); string(want[:]) != string(row.StateHash) {
				report.HashChainBreaks = append(report.HashChainBreaks, row.Sequence)
			}

			report.EventsChecked++
			report.LastSequence = row.Sequence
			prev = &row
		}
		if len(rows) < integrityPage {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

// scan builds acct's cache with the scanning retriever, which accepts the
// records in any order.
func (qs *QueryService) scan(ctx context.Context, tx state.Tx, acct *state.Account) (*health.HealthCache, error) {
	start := time.Now()
	records, err := state.HealthRecords(ctx, tx, acct)
	if err != nil {
		return nil, err
	}
	r, err := health.NewScanningRetriever(records, qs.now())
	if err != nil {
		return nil, err
	}
	hc, err := health.NewHealthCache(acct, r)
	if err != nil {
		return nil, err
	}
	if qs.metrics != nil {
		qs.metrics.HealthBuildDuration.WithLabelValues("scanning").Observe(time.Since(start).Seconds())
	}
	return hc, nil
}

func (qs *QueryService) watermark(ctx context.Context) int64 {
	if qs.events == nil {
		return 0
	}
	seq, _, _, err := qs.events.Latest(ctx)
	if err != nil {
		return 0
	}
	return seq
}

func (qs *QueryService) begin(ctx context.Context, endpoint string, accountID uuid.UUID) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := qs.tracer.Start(ctx, "QueryService."+endpoint,
		trace.WithAttributes(attribute.String("account_id", accountID.String())))
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = core.ErrorKind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
		span.End()
		if qs.metrics != nil {
			qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
			qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (r *IntegrityReport) String() string {
	return fmt.Sprintf("checked=%d last=%d breaks=%d gaps=%d",
		r.EventsChecked, r.LastSequence, len(r.HashChainBreaks), len(r.SequenceGaps))
}
