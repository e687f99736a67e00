package statestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open on a missing file should not error, got %v", err)
	}

	s.Set("hot-water", OutputState{
		RelayOn:          true,
		TodayHours:       1.5,
		CarriedShortfall: 0.25,
		History: []DayRecord{
			{Date: "2026-07-29", TargetHours: 2, ActualHours: 1.75, Shortfall: 0.25},
		},
	})

	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	st, ok := reopened.Get("hot-water")
	if !ok {
		t.Fatalf("expected hot-water state to round-trip")
	}
	if !st.RelayOn || st.TodayHours != 1.5 || st.CarriedShortfall != 0.25 {
		t.Fatalf("state did not round-trip correctly: %+v", st)
	}
	if len(st.History) != 1 {
		t.Fatalf("expected history to round-trip, got %+v", st.History)
	}
}

func TestUnknownTopLevelFieldsRoundTripOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	seed := `{"outputs":{},"meta":{"schemaVersion":1,"writtenAt":"2026-07-29T00:00:00Z"},"priceHistory":[{"start":"2026-07-29T00:00:00Z","perKwh":19.5}]}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("failed to seed state file: %v", err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Set("hot-water", OutputState{RelayOn: true})
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read rewritten state file: %v", err)
	}
	if !strings.Contains(string(rewritten), `"priceHistory"`) {
		t.Fatalf("expected unknown field priceHistory to survive rewrite, got %s", rewritten)
	}
}

func TestOpenBacksUpCorruptFileAndStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open should recover from a corrupt file, got %v", err)
	}
	if _, ok := s.Get("anything"); ok {
		t.Fatalf("expected a fresh empty document after a corrupt file")
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one corrupt backup file, found %d", len(matches))
	}
}

func TestHistoryTruncatesToDaysOfHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var history []DayRecord
	for i := 0; i < DaysOfHistory+5; i++ {
		history = append(history, DayRecord{Date: time.Now().AddDate(0, 0, -i).Format("2006-01-02")})
	}

	s.Set("pool-pump", OutputState{History: history})
	st, _ := s.Get("pool-pump")
	if len(st.History) != DaysOfHistory {
		t.Fatalf("expected history truncated to %d entries, got %d", DaysOfHistory, len(st.History))
	}
}
