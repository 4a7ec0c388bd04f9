package logx

import (
	"strings"
	"testing"
)

func TestTailBufferBounded(t *testing.T) {
	ClearTail()
	ResetSinks()

	logger := NewLogger("tail-test")
	for i := 0; i < tail.maxSize+50; i++ {
		logger.Info("line %d", i)
	}

	entries := RecentEntries(0)
	if len(entries) != tail.maxSize {
		t.Fatalf("Expected tail capped at %d entries, got %d", tail.maxSize, len(entries))
	}
	// The oldest 50 lines must have been evicted.
	if entries[0].Message != "line 50" {
		t.Errorf("Expected oldest surviving line 50, got %q", entries[0].Message)
	}
	last := entries[len(entries)-1]
	if last.Message != "line 1049" {
		t.Errorf("Expected newest line 1049, got %q", last.Message)
	}
}

func TestRecentEntriesLimit(t *testing.T) {
	ClearTail()
	ResetSinks()

	logger := NewLogger("limit-test")
	for i := 0; i < 10; i++ {
		logger.Info("entry %d", i)
	}

	entries := RecentEntries(3)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "entry 7" {
		t.Errorf("Expected window to start at entry 7, got %q", entries[0].Message)
	}
}

func TestSinkReceivesEntries(t *testing.T) {
	ClearTail()
	ResetSinks()
	defer ResetSinks()

	var got []LogEntry
	RegisterSink(func(entry LogEntry) {
		got = append(got, entry)
	})

	logger := NewLogger("sink-test")
	logger.Warn("queue %s at soft cap", "tester")

	if len(got) != 1 {
		t.Fatalf("Expected 1 sink delivery, got %d", len(got))
	}
	if got[0].Level != string(LevelWarn) {
		t.Errorf("Expected WARN, got %s", got[0].Level)
	}
	if got[0].AgentID != "sink-test" {
		t.Errorf("Expected agent sink-test, got %s", got[0].AgentID)
	}
	if !strings.Contains(got[0].Line, "[sink-test] WARN: queue tester at soft cap") {
		t.Errorf("Unexpected formatted line: %q", got[0].Line)
	}
}

func TestRawPreservesANSIBytes(t *testing.T) {
	ClearTail()
	ResetSinks()

	raw := "\x1b[31mpanic: provider exploded\x1b[0m"
	logger := NewLogger("executor")
	logger.Raw(raw)

	entries := RecentEntries(1)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Line != raw {
		t.Errorf("Raw line must be stored verbatim, got %q", entries[0].Line)
	}
}

func TestDebugGatedByDomain(t *testing.T) {
	ClearTail()
	ResetSinks()
	defer SetDebug(false, nil)

	SetDebug(true, []string{"ledger"})

	NewLogger("ledger").Debug("claim lease renewed")
	NewLogger("worker").Debug("should be filtered")

	entries := RecentEntries(0)
	if len(entries) != 1 {
		t.Fatalf("Expected exactly 1 debug entry, got %d", len(entries))
	}
	if entries[0].AgentID != "ledger" {
		t.Errorf("Expected ledger entry, got %s", entries[0].AgentID)
	}
}
