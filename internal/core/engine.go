package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarginRisk/internal/event"
	"MarginRisk/internal/liquidation"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/observability"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the engine.
type Config struct {
	// LiquidationTarget is the LiquidationEnd health a partial liquidation
	// restores the liquidatee to.
	LiquidationTarget decimal.Decimal
	// IdempotencyCapacity bounds the in-memory request-id cache.
	IdempotencyCapacity int
	// Now is the clock used for oracle staleness. Defaults to time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		LiquidationTarget:   decimal.RequireFromString("0.01"),
		IdempotencyCapacity: 100_000,
		Now:                 time.Now,
	}
}

// Output is one risk event leaving the engine.
type Output struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

// Result reports the outcome of one committed bundle.
type Result struct {
	RequestID   string
	AccountID   uuid.UUID
	Duplicate   bool
	Version     int64
	InitHealth  *decimal.Decimal
	MaintHealth *decimal.Decimal
	Liquidation *liquidation.Outcome
	Bankruptcy  *liquidation.Resolution
}

// RiskEngine applies instruction bundles to accounts. Each bundle runs in one
// store transaction, so any failing step, health gate or unclosed region
// rolls back everything the bundle did. Bundles are applied one at a time.
type RiskEngine struct {
	mu sync.Mutex

	store       state.Store
	cfg         Config
	idempotency *IdempotencyChecker
	oracleSeq   *OracleSequenceValidator
	hasher      *StateHasher
	sequence    int64

	persistChan chan<- Output
	publishChan chan<- Output

	metrics *observability.Metrics
	log     zerolog.Logger
	tracer  trace.Tracer
}

// NewRiskEngine builds an engine over store. persistChan receives every
// output with a blocking send; publishChan is best effort and drops when
// full. Either channel may be nil.
func NewRiskEngine(
	store state.Store,
	cfg Config,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
) *RiskEngine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultConfig().IdempotencyCapacity
	}
	return &RiskEngine{
		store:       store,
		cfg:         cfg,
		idempotency: NewIdempotencyChecker(cfg.IdempotencyCapacity, metrics),
		oracleSeq:   NewOracleSequenceValidator(metrics),
		hasher:      NewStateHasher(),
		sequence:    1,
		persistChan: persistChan,
		publishChan: publishChan,
		metrics:     metrics,
		log:         observability.NewLogger("engine"),
		tracer:      otel.Tracer("MarginRisk/internal/core"),
	}
}

// SetLogger replaces the engine's logger.
func (e *RiskEngine) SetLogger(l zerolog.Logger) {
	e.log = l
}

// Resume continues the output sequence and hash chain after lastSequence,
// whose state hash was lastHash.
func (e *RiskEngine) Resume(lastSequence int64, lastHash [32]byte, recentRequests []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = lastSequence + 1
	e.hasher.Resume(lastHash)
	e.idempotency.Warm(recentRequests)
}

// Sequence returns the sequence the next output will carry.
func (e *RiskEngine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Execute applies a single instruction.
func (e *RiskEngine) Execute(ctx context.Context, requestID string, accountID uuid.UUID, instr Instruction) (*Result, error) {
	return e.ExecuteBundle(ctx, requestID, accountID, []Instruction{instr})
}

// ExecuteBundle applies instrs to the account in order and commits them
// together. A non-empty requestID makes the call idempotent: a retry of a
// committed bundle returns a Result with Duplicate set and changes nothing.
func (e *RiskEngine) ExecuteBundle(ctx context.Context, requestID string, accountID uuid.UUID, instrs []Instruction) (*Result, error) {
	label := bundleLabel(instrs)
	ctx, span := e.tracer.Start(ctx, "RiskEngine.ExecuteBundle", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("account_id", accountID.String()),
		attribute.String("instructions", label),
	))
	defer span.End()

	if len(instrs) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", ErrInvalidInstruction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if requestID != "" && e.idempotency.Seen(requestID) {
		return &Result{RequestID: requestID, AccountID: accountID, Duplicate: true}, nil
	}

	start := time.Now()
	var x *execution
	duplicate := false
	err := e.store.WithTx(ctx, func(tx state.Tx) error {
		if requestID != "" {
			fresh, err := tx.RecordRequest(ctx, requestID)
			if err != nil {
				if e.metrics != nil {
					e.metrics.DedupTier2Errors.Inc()
				}
				return fmt.Errorf("record request %s: %w", requestID, err)
			}
			if !fresh {
				duplicate = true
				return nil
			}
		}

		acct, err := tx.Account(ctx, accountID)
		if err != nil {
			return err
		}
		x = newExecution(ctx, e, tx, requestID, acct)
		for i, in := range instrs {
			if err := in.apply(x); err != nil {
				return fmt.Errorf("instruction %d (%s): %w", i, in.Name(), err)
			}
		}
		return x.finish(instrs)
	})

	if err != nil {
		kind := ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		if e.metrics != nil {
			e.metrics.InstructionsRejected.WithLabelValues(label, kind).Inc()
		}
		e.log.Debug().Err(err).
			Str("request_id", requestID).
			Str("account_id", accountID.String()).
			Str("kind", kind).
			Msg("bundle rejected")
		return nil, err
	}

	if requestID != "" {
		if duplicate {
			e.idempotency.StoreDuplicate(requestID)
			return &Result{RequestID: requestID, AccountID: accountID, Duplicate: true}, nil
		}
		e.idempotency.MarkProcessed(requestID)
	}

	if e.metrics != nil {
		e.metrics.InstructionsApplied.WithLabelValues(label).Inc()
		e.metrics.InstructionDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	x.observe()
	e.emit(x.events)
	return x.result, nil
}

// ApplyOracleUpdate stores a price reading. Readings must arrive with
// strictly increasing sequences per oracle; anything else is rejected with
// ErrStaleOracleSequence and leaves the stored price untouched.
func (e *RiskEngine) ApplyOracleUpdate(ctx context.Context, upd *event.OracleUpdate) error {
	ctx, span := e.tracer.Start(ctx, "RiskEngine.ApplyOracleUpdate",
		trace.WithAttributes(attribute.String("oracle", upd.Oracle), attribute.Int64("sequence", upd.Sequence)))
	defer span.End()

	if upd.Oracle == "" {
		return fmt.Errorf("%w: oracle key is required", ErrInvalidInstruction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.WithTx(ctx, func(tx state.Tx) error {
		last := int64(0)
		prev, err := tx.Oracle(ctx, upd.Oracle)
		switch {
		case err == nil:
			last = prev.Sequence
		case !errors.Is(err, state.ErrMissingRecord):
			return err
		}
		if err := e.oracleSeq.Validate(upd.Oracle, last, upd.Sequence); err != nil {
			return err
		}
		return tx.PutOracle(ctx, &state.OracleRecord{
			Key:        upd.Oracle,
			Price:      upd.Price,
			Confidence: upd.Confidence,
			LastUpdate: upd.Timestamp,
			Sequence:   upd.Sequence,
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if e.metrics != nil {
		e.metrics.OracleUpdates.WithLabelValues(upd.Oracle).Inc()
	}
	e.emit([]event.Event{upd})
	return nil
}

// ApplyFundingUpdate installs a perp market's funding indices for one epoch.
// Replayed epochs are ignored.
func (e *RiskEngine) ApplyFundingUpdate(ctx context.Context, upd *event.FundingUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	applied := false
	err := e.store.WithTx(ctx, func(tx state.Tx) error {
		market, err := tx.PerpMarket(ctx, state.PerpMarketIndex(upd.MarketIndex))
		if err != nil {
			return err
		}
		if applied, err = market.ApplyFunding(upd.Epoch, upd.LongFunding, upd.ShortFunding); err != nil || !applied {
			return err
		}
		return tx.PutPerpMarket(ctx, market)
	})
	if err != nil {
		return err
	}
	if applied {
		e.emit([]event.Event{upd})
	}
	return nil
}

// --- Administration ---

// RegisterBank creates or reconfigures a bank. Aggregate balances of an
// existing bank are kept.
func (e *RiskEngine) RegisterBank(ctx context.Context, bank *state.Bank) error {
	if err := bank.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.WithTx(ctx, func(tx state.Tx) error {
		b := bank.Clone()
		if prev, err := tx.Bank(ctx, bank.TokenIndex); err == nil {
			b.Deposits, b.Borrows, b.SocializedLoss = prev.Deposits, prev.Borrows, prev.SocializedLoss
		} else if !errors.Is(err, state.ErrMissingRecord) {
			return err
		}
		return tx.PutBank(ctx, b)
	})
}

// RegisterPerpMarket creates or reconfigures a perp market. Funding state of
// an existing market is kept.
func (e *RiskEngine) RegisterPerpMarket(ctx context.Context, market *state.PerpMarket) error {
	if err := market.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.WithTx(ctx, func(tx state.Tx) error {
		m := market.Clone()
		if prev, err := tx.PerpMarket(ctx, market.PerpMarketIndex); err == nil {
			m.LongFunding, m.ShortFunding, m.FundingEpoch = prev.LongFunding, prev.ShortFunding, prev.FundingEpoch
		} else if !errors.Is(err, state.ErrMissingRecord) {
			return err
		}
		return tx.PutPerpMarket(ctx, m)
	})
}

// CreateAccount persists a new empty account.
func (e *RiskEngine) CreateAccount(ctx context.Context, owner string) (*state.Account, error) {
	acct := state.NewAccount(uuid.New(), owner)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.WithTx(ctx, func(tx state.Tx) error {
		return tx.PutAccount(ctx, acct)
	}); err != nil {
		return nil, err
	}
	return acct, nil
}

// SyncOpenOrders replaces a spot open-orders record with the order book's
// view, e.g. after fills moved reserved funds to free.
func (e *RiskEngine) SyncOpenOrders(ctx context.Context, oo *state.OpenOrders) error {
	if oo.Key == "" {
		return fmt.Errorf("%w: open orders key is required", ErrInvalidInstruction)
	}
	for _, v := range []decimal.Decimal{oo.BaseFree, oo.QuoteFree, oo.BaseReserved, oo.QuoteReserved} {
		if v.IsNegative() {
			return fmt.Errorf("%w: open orders %s has a negative amount", ErrInvalidInstruction, oo.Key)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.WithTx(ctx, func(tx state.Tx) error {
		return tx.PutOpenOrders(ctx, oo.Clone())
	})
}

// FundInsurance adds amount (quote units) to the insurance fund and returns
// the new balance.
func (e *RiskEngine) FundInsurance(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: insurance amount must be positive", ErrInvalidInstruction)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var balance decimal.Decimal
	err := e.store.WithTx(ctx, func(tx state.Tx) error {
		fund, err := tx.InsuranceFund(ctx)
		if err != nil {
			return err
		}
		if balance, err = fpmath.Add(fund, amount); err != nil {
			return err
		}
		return tx.PutInsuranceFund(ctx, balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if e.metrics != nil {
		f, _ := balance.Float64()
		e.metrics.InsuranceFundBalance.Set(f)
	}
	return balance, nil
}

// ReportCandidates emits monitor findings into the output stream so they
// carry a sequence and join the hash chain.
func (e *RiskEngine) ReportCandidates(ctx context.Context, cands []*event.LiquidationCandidate) {
	if len(cands) == 0 {
		return
	}
	events := make([]event.Event, len(cands))
	for i, c := range cands {
		events[i] = c
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit(events)
}

// emit stamps events with sequence and hash and hands them to the output
// channels. Called with e.mu held.
func (e *RiskEngine) emit(events []event.Event) {
	for _, evt := range events {
		payload, err := event.Encode(evt)
		if err != nil {
			e.log.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("drop unencodable event")
			continue
		}
		digest := sha256.Sum256(payload)
		prev := e.hasher.PrevHash()
		env := &event.EventEnvelope{
			EventID:        uuid.New(),
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			AccountID:      evt.Account(),
			Timestamp:      e.cfg.Now().UTC(),
			Payload:        payload,
			PrevHash:       prev,
			StateHash:      e.hasher.ComputeHash(e.sequence, digest[:]),
		}
		e.sequence++
		out := Output{Envelope: env, Event: evt}

		if e.persistChan != nil {
			e.persistChan <- out
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	if e.metrics != nil {
		e.metrics.OutputSequence.Set(float64(e.sequence))
	}
}

func bundleLabel(instrs []Instruction) string {
	switch len(instrs) {
	case 0:
		return "Empty"
	case 1:
		return instrs[0].Name()
	default:
		return "Bundle"
	}
}
