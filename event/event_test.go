package event

import "testing"

func TestPhaseMapping(t *testing.T) {
	if got := Call.Phase(); got != "B" {
		t.Fatalf("Call phase = %q, want B", got)
	}
	if got := Return.Phase(); got != "E" {
		t.Fatalf("Return phase = %q, want E", got)
	}
	if got := Kind(0).Phase(); got != "" {
		t.Fatalf("zero kind phase = %q, want empty", got)
	}
	if Kind(7).Valid() {
		t.Fatal("unexpected valid kind 7")
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("call")
	if err != nil || k != Call {
		t.Fatalf("ParseKind(call) = %v, %v", k, err)
	}
	k, err = ParseKind("return")
	if err != nil || k != Return {
		t.Fatalf("ParseKind(return) = %v, %v", k, err)
	}
	if _, err := ParseKind("line"); err == nil {
		t.Fatal("expected error for line event")
	}
	if Call.String() != "call" || Return.String() != "return" {
		t.Fatalf("unexpected kind names %s/%s", Call, Return)
	}
}

func TestRefs(t *testing.T) {
	e := New(Call, "foo", "a.py", 10, "b.py", 5, 123456, 100, 200)
	if got := e.FunctionRef(); got != "a.py:10:foo" {
		t.Fatalf("FunctionRef = %q", got)
	}
	if got := e.CallerRef(); got != "b.py:5" {
		t.Fatalf("CallerRef = %q", got)
	}
	if !e.HasCaller() {
		t.Fatal("expected caller frame")
	}
	if e.PID != 100 || e.TID != 200 || e.TimestampUS != 123456 {
		t.Fatalf("unexpected identity fields: %+v", e)
	}

	e.CallerFile = ""
	if e.HasCaller() {
		t.Fatal("expected no caller frame")
	}
}

func TestNowUSIsEpochMicros(t *testing.T) {
	if now := NowUS(); now <= 1_600_000_000_000_000 {
		t.Fatalf("clock reading %d is not microseconds since epoch", now)
	}
}
