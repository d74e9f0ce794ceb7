package action

import (
	"errors"
	"testing"
)

func TestPartition(t *testing.T) {
	t.Parallel()

	results := []Result{
		{MemberID: 9, Outcome: Success},
		{MemberID: 3, Outcome: Forbidden, Err: errors.New("not enough rights")},
		{MemberID: 1, Outcome: Success},
		{MemberID: 2, Outcome: MemberNotFound},
	}

	ok, failed := Partition(results)
	if len(ok) != 2 || ok[0] != 1 || ok[1] != 9 {
		t.Fatalf("unexpected successes: %v", ok)
	}
	if len(failed) != 2 || failed[0].MemberID != 2 || failed[1].MemberID != 3 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if failed[1].Outcome.String() != "forbidden" {
		t.Fatalf("unexpected outcome name: %s", failed[1].Outcome)
	}
}

func TestPartitionEmpty(t *testing.T) {
	t.Parallel()

	ok, failed := Partition(nil)
	if ok != nil || failed != nil {
		t.Fatalf("expected nil partitions, got %v %v", ok, failed)
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	if got := Outcome(42).String(); got != "internal_unknown" {
		t.Fatalf("unknown outcomes should map to internal_unknown, got %s", got)
	}
	if got := GuildNotFound.String(); got != "guild_not_found" {
		t.Fatalf("unexpected name: %s", got)
	}
}
