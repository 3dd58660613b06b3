package results

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"

	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/logging"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "matches.jsonl.sz")
	current := time.Unix(1_700_000_000, 0).UTC()
	journal, err := OpenJournal(path,
		WithLogger(logging.NewTestLogger()),
		WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	first := engine.Result{
		SessionID: "session-a",
		Winner:    engine.SlotP1,
		Score:     engine.Score{P1: 11, P2: 4},
		PlayerIDs: map[engine.Slot]string{engine.SlotP1: "10", engine.SlotP2: "11"},
		Aliases:   map[engine.Slot]string{engine.SlotP1: "Alice", engine.SlotP2: "Bob"},
	}
	journal.PersistResult(first)
	current = current.Add(time.Minute)
	journal.PersistResult(engine.Result{SessionID: "session-b", Winner: engine.SlotP2})

	if err := journal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	var records []record
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Result.SessionID != "session-a" || records[0].Result.Score.P1 != 11 {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[0].Result.PlayerIDs[engine.SlotP2] != "11" {
		t.Fatalf("player ids lost: %+v", records[0].Result)
	}
	if !records[1].RecordedAt.After(records[0].RecordedAt) {
		t.Fatalf("recorded timestamps out of order: %v vs %v",
			records[0].RecordedAt, records[1].RecordedAt)
	}
}

func TestPersistAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matches.jsonl.sz")
	journal, err := OpenJournal(path, WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Must not panic or write.
	journal.PersistResult(engine.Result{SessionID: "late"})
	if err := journal.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal should be empty, got %d bytes", info.Size())
	}
}
