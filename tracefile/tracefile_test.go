package tracefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"calltrace/event"
	"calltrace/recorder"
)

func writeTrace(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.json")
	err := recorder.Session(path, recorder.Options{}, func(r *recorder.Recorder) error {
		for i := 0; i < n; i++ {
			kind := event.Call
			if i%2 == 1 {
				kind = event.Return
			}
			e := event.New(kind, "fn", "a.go", 3, "b.go", 9, int64(100+i), 1, 1+i%3)
			if err := r.Record(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return path
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		path := writeTrace(t, n)
		doc, err := Load(path)
		if err != nil {
			t.Fatalf("load n=%d: %v", n, err)
		}
		if len(doc.Items) != n {
			t.Fatalf("n=%d: got %d items", n, len(doc.Items))
		}
		if !doc.Sealed || doc.Truncated {
			t.Fatalf("n=%d: expected sealed document, got %+v", n, doc)
		}
		if err := doc.Check(); err != nil {
			t.Fatalf("n=%d: check: %v", n, err)
		}
	}
}

func TestParseScenario(t *testing.T) {
	data := []byte(`[{"name":"foo","cat":"a.py","tid":200,"ph":"B","pid":100,"ts":123456,` +
		`"args":{"function":"a.py:10:foo","caller":"b.py:5"}},{}]`)
	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(doc.Items))
	}
	want := Item{Name: "foo", Cat: "a.py", TID: 200, Ph: "B", PID: 100, TS: 123456,
		Args: Args{Function: "a.py:10:foo", Caller: "b.py:5"}}
	if doc.Items[0] != want {
		t.Fatalf("item = %+v, want %+v", doc.Items[0], want)
	}
}

func TestRecoverTruncated(t *testing.T) {
	path := writeTrace(t, 4)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// drop the closer and half of the last item
	cut := data[:len(data)-len("{}]")-20]
	if _, err := Parse(cut); err == nil {
		t.Fatal("strict parse accepted truncated document")
	}
	doc, err := Recover(cut)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !doc.Truncated || doc.Sealed {
		t.Fatalf("expected truncated document, got %+v", doc)
	}
	if len(doc.Items) != 3 {
		t.Fatalf("expected 3 complete items, got %d", len(doc.Items))
	}
}

func TestRecoverMissingCloserOnly(t *testing.T) {
	path := writeTrace(t, 2)
	data, _ := os.ReadFile(path)
	doc, err := Recover(data[:len(data)-len("{}]")])
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !doc.Truncated || len(doc.Items) != 2 {
		t.Fatalf("unexpected recovery: truncated=%v items=%d", doc.Truncated, len(doc.Items))
	}

	if _, err := Recover([]byte(`{"not":"a trace"}`)); !errors.Is(err, ErrNotTrace) {
		t.Fatalf("expected ErrNotTrace, got %v", err)
	}
}

func TestRepair(t *testing.T) {
	path := writeTrace(t, 5)
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-10], 0600); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	doc, err := Repair(path)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(doc.Items) != 4 {
		t.Fatalf("expected 4 items kept, got %d", len(doc.Items))
	}

	repaired, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	strict, err := Parse(repaired)
	if err != nil {
		t.Fatalf("repaired file does not parse: %v\n%s", err, repaired)
	}
	if !strict.Sealed || len(strict.Items) != 4 {
		t.Fatalf("unexpected repaired document: %+v", strict)
	}
}

func TestRepairEmptyPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	if err := os.WriteFile(path, []byte("["), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Repair(path); err != nil {
		t.Fatalf("repair: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "[{}]" {
		t.Fatalf("repaired empty document = %q", data)
	}
}

func TestCheckAndSummarize(t *testing.T) {
	doc := &Document{Items: []Item{
		{Ph: "B", TS: 1, PID: 1, TID: 1},
		{Ph: "E", TS: 2, PID: 1, TID: 1},
		{Ph: "B", TS: 2, PID: 1, TID: 2},
	}}
	if err := doc.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	s := doc.Summarize()
	if s.Items != 3 || s.Begins != 2 || s.Ends != 1 || s.Threads != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}

	doc.Items = append(doc.Items, Item{Ph: "X", TS: 3})
	if err := doc.Check(); err == nil {
		t.Fatal("expected phase error")
	}
	doc.Items = []Item{{Ph: "B", TS: 5}, {Ph: "E", TS: 4}}
	if err := doc.Check(); err == nil {
		t.Fatal("expected timestamp order error")
	}
}
