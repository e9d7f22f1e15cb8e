package core

import (
	"fmt"

	"MarginRisk/internal/observability"
)

// OracleSequenceValidator enforces strictly increasing sequences per oracle.
// The last accepted sequence lives on the stored oracle record, so the
// validator itself only classifies and counts.
type OracleSequenceValidator struct {
	metrics *observability.Metrics
}

func NewOracleSequenceValidator(metrics *observability.Metrics) *OracleSequenceValidator {
	return &OracleSequenceValidator{metrics: metrics}
}

// Validate accepts seq when it is above last. Gaps are tolerated and counted;
// a repeated or older sequence returns ErrStaleOracleSequence.
func (v *OracleSequenceValidator) Validate(oracle string, last, seq int64) error {
	if seq <= last {
		if v.metrics != nil {
			v.metrics.OracleStaleDropped.WithLabelValues(oracle).Inc()
		}
		return fmt.Errorf("%w: oracle=%s last=%d got=%d", ErrStaleOracleSequence, oracle, last, seq)
	}
	if last > 0 && seq > last+1 && v.metrics != nil {
		v.metrics.OracleSequenceGap.WithLabelValues(oracle).Inc()
	}
	return nil
}
