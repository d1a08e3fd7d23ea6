package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// CSVHeader is the column layout of archived turn files. It matches the
// training data layout with the raw pressure column replaced by the rebased
// delta.
var CSVHeader = []string{"timestamp_ms", "pressure_delta", "ax", "ay", "az", "gx", "gy", "gz", "label"}

// CSVStore writes one CSV file per turn into a directory.
type CSVStore struct {
	dir string
}

// NewCSVStore creates dir if needed.
func NewCSVStore(dir string) (*CSVStore, error) {
	if dir == "" {
		return nil, errors.New("archive: csv directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &CSVStore{dir: dir}, nil
}

// Path returns the file a record is written to.
func (s *CSVStore) Path(rec Record) string {
	name := fmt.Sprintf("turn_%s_%s.csv", rec.StartedAt.UTC().Format("20060102_150405"), rec.TurnID)
	return filepath.Join(s.dir, name)
}

// Save writes rec as CSV. Rows carry the result label so that the file can be
// fed straight into the training pipeline after manual review. The file is
// written to a temporary name and renamed, so readers never see a partial
// turn.
func (s *CSVStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path(rec)
	tmp, err := os.CreateTemp(s.dir, ".turn-*.csv")
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeCSV(tmp, rec); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func writeCSV(f *os.File, rec Record) error {
	w := csv.NewWriter(f)
	if err := w.Write(CSVHeader); err != nil {
		return err
	}
	row := make([]string, len(CSVHeader))
	for i, fr := range rec.Frames {
		row[0] = strconv.FormatUint(uint64(i)*uint64(rec.SampleMs), 10)
		vals := fr.Row()
		for j := range types.FeatureCount {
			row[j+1] = strconv.FormatFloat(vals[j], 'f', -1, 64)
		}
		row[len(row)-1] = rec.Result.Label
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Close is a no-op.
func (s *CSVStore) Close() error { return nil }
