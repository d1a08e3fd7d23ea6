package archive_test

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/pillowmate/internal/archive"
	"github.com/MrWong99/pillowmate/pkg/types"
)

func record() archive.Record {
	start := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	return archive.Record{
		TurnID:    "3f2b",
		StartedAt: start,
		StoppedAt: start.Add(2 * time.Second),
		SampleMs:  20,
		Baseline:  types.Baseline{PressureMean: 512, AccelMagMean: 1, GyroMagMean: 0.4},
		Frames: []types.SensorFrame{
			{PressureDelta: 12.5, Ax: 0.1, Ay: -0.2, Az: 0.98, Gx: 1, Gy: 2, Gz: 3},
			{PressureDelta: 40, Az: 1},
		},
		Blocks: []types.Block{{Start: 0, End: 1}},
		Result: types.ClassificationResult{Label: "hug", Probability: 0.9, Reason: types.ReasonClassified},
	}
}

func TestCSVStore_Save(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := archive.NewCSVStore(filepath.Join(dir, "turns"))
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}

	rec := record()
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := s.Path(rec)
	if filepath.Base(path) != "turn_20260301_123000_3f2b.csv" {
		t.Errorf("file name = %s", filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	want := [][]string{
		archive.CSVHeader,
		{"0", "12.5", "0.1", "-0.2", "0.98", "1", "2", "3", "hug"},
		{"20", "40", "0", "0", "1", "0", "0", "0", "hug"},
	}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Errorf("row %d col %d = %q, want %q", i, j, rows[i][j], want[i][j])
			}
		}
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "turns"))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the turn file", len(entries))
	}
}

func TestNewCSVStore_RequiresDir(t *testing.T) {
	t.Parallel()
	if _, err := archive.NewCSVStore(""); err == nil {
		t.Error("NewCSVStore accepted an empty directory")
	}
}

type fakeStore struct {
	saved  int
	closed int
	err    error
}

func (f *fakeStore) Save(context.Context, archive.Record) error { f.saved++; return f.err }
func (f *fakeStore) Close() error                               { f.closed++; return f.err }

func TestMulti(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	a, b := &fakeStore{err: boom}, &fakeStore{}
	m := archive.Multi{a, b}

	if err := m.Save(context.Background(), record()); !errors.Is(err, boom) {
		t.Errorf("Save = %v, want %v", err, boom)
	}
	if a.saved != 1 || b.saved != 1 {
		t.Errorf("saves = %d/%d, want 1/1", a.saved, b.saved)
	}
	if err := m.Close(); !errors.Is(err, boom) {
		t.Errorf("Close = %v, want %v", err, boom)
	}
	if b.closed != 1 {
		t.Errorf("b closed %d times, want 1", b.closed)
	}
}
