package envelope

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err      error
		reason   string
		severity string
	}{
		{ErrInvalidSignature, "signature", SeverityCritical},
		{fmt.Errorf("%w: payload hash mismatch", ErrIntegrity), "integrity", SeverityCritical},
		{fmt.Errorf("%w: task task_abc", ErrReplay), "replay", SeverityWarning},
		{ErrExpired, "expired", SeverityWarning},
		{ErrFutureTimestamp, "future_timestamp", SeverityWarning},
		{ErrProtocolMismatch, "protocol", SeverityWarning},
		{errors.New("connection reset"), "transport", SeverityInfo},
	}
	for _, tc := range cases {
		reason, severity := ClassifyFailure(tc.err)
		if reason != tc.reason || severity != tc.severity {
			t.Fatalf("classify %v = (%s, %s), want (%s, %s)", tc.err, reason, severity, tc.reason, tc.severity)
		}
	}
}
