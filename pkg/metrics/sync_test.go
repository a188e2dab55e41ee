package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// These exercise the package-level promauto vars directly — they are
// process-wide singletons registered once at package init, the same
// assumption internal/protocol and internal/merge rely on when they call
// them from request-handling code.

func TestPushesTotal_IncrementsByLabel(t *testing.T) {
	before := testutil.ToFloat64(PushesTotal.WithLabelValues("accepted"))
	PushesTotal.WithLabelValues("accepted").Inc()
	after := testutil.ToFloat64(PushesTotal.WithLabelValues("accepted"))
	if after != before+1 {
		t.Fatalf("PushesTotal{accepted} = %v, want %v", after, before+1)
	}
}

func TestMergeConflictsTotal_TracksDistinctKinds(t *testing.T) {
	before := testutil.ToFloat64(MergeConflictsTotal.WithLabelValues("unique_swap"))
	MergeConflictsTotal.WithLabelValues("unique_swap").Add(3)
	after := testutil.ToFloat64(MergeConflictsTotal.WithLabelValues("unique_swap"))
	if after != before+3 {
		t.Fatalf("MergeConflictsTotal{unique_swap} = %v, want %v", after, before+3)
	}
}

func TestCompressionWarningsTotal_Increments(t *testing.T) {
	before := testutil.ToFloat64(CompressionWarningsTotal)
	CompressionWarningsTotal.Inc()
	after := testutil.ToFloat64(CompressionWarningsTotal)
	if after != before+1 {
		t.Fatalf("CompressionWarningsTotal = %v, want %v", after, before+1)
	}
}

func TestPullOperationsReturned_ObservesIntoBuckets(t *testing.T) {
	beforeCount := testutil.CollectAndCount(PullOperationsReturned)
	PullOperationsReturned.Observe(42)
	afterCount := testutil.CollectAndCount(PullOperationsReturned)
	if afterCount != beforeCount {
		t.Fatalf("CollectAndCount changed from %d to %d — histogram metric family shape shouldn't change on Observe", beforeCount, afterCount)
	}
}

func TestVersionAssignmentSeconds_Observe(t *testing.T) {
	VersionAssignmentSeconds.Observe(0.01)
	if testutil.CollectAndCount(VersionAssignmentSeconds) == 0 {
		t.Fatal("expected VersionAssignmentSeconds to report at least one metric")
	}
}
