package schedule

import (
	"testing"
	"time"
)

func TestNext_EveryFiveMinutes(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)
	nxt, err := Next("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC); !nxt.Equal(want) {
		t.Fatalf("want %v got %v", want, nxt)
	}
}

func TestNext_EveryMinuteIsStrictlyAfter(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)
	nxt, err := Next("* * * * *", from)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := from.Add(time.Minute); !nxt.Equal(want) {
		t.Fatalf("want %v got %v", want, nxt)
	}
}

func TestNext_InvalidExpr(t *testing.T) {
	if _, err := Next("not a cron", time.Now()); err == nil {
		t.Fatalf("expected error for invalid expression")
	}
}

func TestFloorMinute(t *testing.T) {
	at := time.Date(2025, 1, 1, 10, 30, 45, 123, time.UTC)
	if got, want := FloorMinute(at), time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC).Unix(); got != want {
		t.Fatalf("want %d got %d", want, got)
	}
}

func TestUntilNextMinute(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 30, 45, 0, time.UTC)
	if got, want := UntilNextMinute(now), 15*time.Second; got != want {
		t.Fatalf("want %v got %v", want, got)
	}
}
