package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/checkpoint"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

func TestStatusPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	if p.styled {
		t.Fatal("a buffer is not a terminal")
	}

	p.Status(&Status{
		Job:      "sync_data",
		Pattern:  "sync:*",
		Tables:   []string{"public_sales", "real_estates"},
		Pending:  42,
		Failures: -1,
		Worker:   &checkpoint.Worker{ID: "w1", Status: "running", StartedAt: time.Now()},
		Stats:    &checkpoint.Stats{Cycles: 3, Failed: 1, Inserted: 10, Updated: 5, Quarantined: 2},
		LastCycle: &syncer.CycleResult{
			ID: "abc", Status: syncer.StatusPartial, StartedAt: time.Now(), Error: "insert public_sales: boom",
		},
		TargetError: "connection refused",
	})

	out := buf.String()
	for _, want := range []string{
		"Sync job sync_data",
		"public_sales, real_estates",
		"Pending keys:  42",
		"unknown (connection refused)",
		"w1 (running",
		"3 (1 failed)",
		"abc partial",
		"insert public_sales: boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains escape codes")
	}
}

func TestStatusNoWorker(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Status(&Status{Job: "j", Pending: 0, Failures: 0})
	if !strings.Contains(buf.String(), "never started") {
		t.Errorf("output = %s", buf.String())
	}
}

func TestCycles(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Cycles(nil)
	if !strings.Contains(buf.String(), "No cycles recorded") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	p.Cycles([]syncer.CycleResult{
		{ID: "c2", Job: "sync_data", Status: syncer.StatusFailed, Scanned: 2, Error: "writing failure history"},
		{ID: "c1", Job: "sync_data", Status: syncer.StatusOK, Scanned: 10, Inserted: 7, Updated: 3, Duration: time.Second},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "CYCLE") || !strings.HasPrefix(lines[1], "c2") || !strings.HasPrefix(lines[3], "c1") {
		t.Errorf("unexpected layout:\n%s", buf.String())
	}
}

func TestFailures(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Failures([]syncer.FailureEntry{
		{ID: 7, TargetTable: "real_estates", SyncData: []json.RawMessage{[]byte(`{}`), []byte(`{}`)}, Reason: "duplicate key"},
	})
	out := buf.String()
	if !strings.Contains(out, "real_estates") || !strings.Contains(out, "duplicate key") {
		t.Errorf("output = %s", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 5); got != "ab..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("truncate() = %q", got)
	}
}
