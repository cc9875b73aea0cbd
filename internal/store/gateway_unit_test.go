package store

import "testing"

// These are true unit tests for store helpers that don't require Postgres.
//
// ClaimDue, CompleteTask, RescheduleTask, RetryTask, FailTask, and the
// aggregate queries are implemented with Postgres-specific SQL (notably
// SELECT ... FOR UPDATE SKIP LOCKED). Behavior tests for those (exclusive
// claim under concurrent claimers, counter increments, orphan reset) are
// integration tests requiring a real Postgres instance and are not included
// here, matching the split internal/wallet/service_unit_test.go documents
// for money operations with the same shape.

func TestPQValue_EmptyProducesEmptyArrayLiteral(t *testing.T) {
	v, err := pq(nil).Value()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "{}" {
		t.Fatalf("got %v, want {}", v)
	}
}

func TestPQValue_QuotesEachElement(t *testing.T) {
	v, err := pq([]string{"a", "b-c"}).Value()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a","b-c"}`
	if v != want {
		t.Fatalf("got %v, want %v", v, want)
	}
}

func TestTaskStatus_CanonicalValues(t *testing.T) {
	// Open Question #2: the schema value wins. Only the hyphenated form
	// must ever appear.
	if TaskStatusInProgress != "in-progress" {
		t.Fatalf("expected hyphenated in-progress, got %q", TaskStatusInProgress)
	}
	if CallLogStatusInProgress != "in-progress" {
		t.Fatalf("expected hyphenated in-progress, got %q", CallLogStatusInProgress)
	}
}
