package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRetryMetrics_Singleton(t *testing.T) {
	a := NewRetryMetrics()
	b := NewRetryMetrics()
	if a != b {
		t.Fatal("NewRetryMetrics should return the same instance on repeated calls")
	}
}

func TestRetryMetrics_RecordAttempt(t *testing.T) {
	m := NewRetryMetrics()
	before := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("push", "success", "none"))
	m.RecordAttempt("push", "success", "none", 0.05)
	after := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("push", "success", "none"))
	if after != before+1 {
		t.Fatalf("AttemptsTotal = %v, want %v", after, before+1)
	}
}

func TestRetryMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *RetryMetrics
	m.RecordAttempt("push", "success", "none", 0.01)
	m.RecordBackoff("push", 0.2)
	m.RecordFinalAttempt("push", "success", 1)
}
