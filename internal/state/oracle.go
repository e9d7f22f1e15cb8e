package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OracleConfig bounds how a price may be used.
// Zero values disable the respective check.
type OracleConfig struct {
	MaxStaleness time.Duration   `json:"max_staleness"`
	ConfFilter   decimal.Decimal `json:"conf_filter"` // max confidence / price
}

// OracleRecord is the latest reading of a price feed.
type OracleRecord struct {
	Key        string          `json:"key"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	LastUpdate time.Time       `json:"last_update"`
	Sequence   int64           `json:"sequence"`
}

func (o *OracleRecord) RecordKey() string      { return "oracle:" + o.Key }
func (o *OracleRecord) RecordKind() RecordKind { return RecordOracle }

// PriceFor returns the usable price or the reason it must not be used.
func (o *OracleRecord) PriceFor(cfg OracleConfig, now time.Time) (decimal.Decimal, error) {
	if !o.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: oracle %s price=%s", ErrZeroPrice, o.Key, o.Price)
	}

	if cfg.MaxStaleness > 0 {
		age := now.Sub(o.LastUpdate)
		if age > cfg.MaxStaleness {
			return decimal.Zero, fmt.Errorf("%w: oracle %s age=%s max=%s",
				ErrStalePrice, o.Key, age, cfg.MaxStaleness)
		}
	}

	if cfg.ConfFilter.IsPositive() {
		ratio := o.Confidence.Abs().Div(o.Price)
		if ratio.GreaterThan(cfg.ConfFilter) {
			return decimal.Zero, fmt.Errorf("%w: oracle %s conf/price=%s filter=%s",
				ErrLowConfidencePrice, o.Key, ratio.StringFixed(6), cfg.ConfFilter)
		}
	}

	return o.Price, nil
}

func (o *OracleRecord) Clone() *OracleRecord {
	c := *o
	return &c
}
