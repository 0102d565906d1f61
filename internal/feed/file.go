package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rewired-gh/flowwatch/internal/models"
)

// ReadFile loads a recorded event file (JSON array or NDJSON) for replay. Events are
// returned in timestamp order together with the number of malformed entries skipped.
func ReadFile(path string) ([]models.MarketEvent, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	wire, err := decodeWire(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}

	events, skipped := Convert(wire, filepath.Base(path))
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, skipped, nil
}
