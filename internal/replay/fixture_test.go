package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// #region fixture-tests

// runFixture loads a fixture, replays it and fails on every mismatch.
func runFixture(t *testing.T, name string) Summary {
	t.Helper()
	f, err := LoadFixture(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	reports, a, err := Replay(context.Background(), f)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(reports) != len(f.Ticks) {
		t.Fatalf("expected %d reports, got %d", len(f.Ticks), len(reports))
	}
	for _, r := range reports {
		for _, m := range r.Mismatches {
			t.Errorf("%s", m)
		}
	}
	return Summarize(reports, a)
}

// TestFixture_Decay is the primary regression test: halving, window
// eviction and an external injection between ticks.
func TestFixture_Decay(t *testing.T) {
	s := runFixture(t, "decay.json")
	if s.TotalTicks != 4 {
		t.Errorf("expected 4 ticks, got %d", s.TotalTicks)
	}
	if s.Changed != 10 {
		t.Errorf("expected 10 changes, got %d", s.Changed)
	}
	if s.Final.HistoryWindow != 3 {
		t.Errorf("expected window 3, got %d", s.Final.HistoryWindow)
	}
}

// TestFixture_Average runs a script rule loaded relative to the fixture.
func TestFixture_Average(t *testing.T) {
	s := runFixture(t, "average.json")
	if !s.OK() {
		t.Fatalf("expected no mismatches, got %d", s.Mismatches)
	}
	if s.Failures != 0 {
		t.Errorf("expected no failures, got %d", s.Failures)
	}
}

// TestFixture_DetectsDrift edits an expectation and checks the harness
// reports it.
func TestFixture_DetectsDrift(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "decay.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	wrong := 0.3
	f.Ticks[0].Expect[0].Activation = &wrong
	f.Ticks[1].Expect[0].Rule = "other"

	reports, a, err := Replay(context.Background(), f)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	s := Summarize(reports, a)
	if s.Mismatches != 2 {
		t.Fatalf("expected 2 mismatches, got %d", s.Mismatches)
	}
	m := reports[0].Mismatches[0]
	if m.Field != "activation" || m.Node != "0" || m.Tick != 1 {
		t.Errorf("unexpected mismatch %s", m)
	}
}

// TestLoadFixture_NotFound verifies error on missing file.
func TestLoadFixture_NotFound(t *testing.T) {
	_, err := LoadFixture("testdata/nonexistent.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// TestLoadFixture_Malformed verifies error on invalid JSON.
func TestLoadFixture_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json}"), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := LoadFixture(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// TestLoadFixture_BadWindow rejects a zero history window.
func TestLoadFixture_BadWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window.json")
	if err := os.WriteFile(path, []byte(`{"history_window": 0, "graph": {"nodes": [], "edges": []}}`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	_, err := LoadFixture(path)
	if err == nil {
		t.Fatal("expected error for window 0, got nil")
	}
	if !errors.Is(err, state.ErrInvalidHistoryWindow) {
		t.Errorf("expected ErrInvalidHistoryWindow, got %v", err)
	}
}

// #endregion fixture-tests
