package envelope

import "errors"

// Failure severities, highest first. Signature and integrity failures mean
// an active tamper attempt or key mismatch; freshness failures are usually
// clock drift or redelivery.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// ClassifyFailure maps a Verify error to a stable reason label and a log
// severity. Unknown errors classify as transport problems.
func ClassifyFailure(err error) (reason, severity string) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "signature", SeverityCritical
	case errors.Is(err, ErrIntegrity):
		return "integrity", SeverityCritical
	case errors.Is(err, ErrReplay):
		return "replay", SeverityWarning
	case errors.Is(err, ErrExpired):
		return "expired", SeverityWarning
	case errors.Is(err, ErrFutureTimestamp):
		return "future_timestamp", SeverityWarning
	case errors.Is(err, ErrProtocolMismatch):
		return "protocol", SeverityWarning
	default:
		return "transport", SeverityInfo
	}
}
