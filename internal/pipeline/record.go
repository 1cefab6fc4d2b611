package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Record directory layout:
//
//	recordDir/
//	  run-<id>.json   # one per run: results, outcome, publish report
const recordPrefix = "run-"

// RecordPath returns the path of the record of run id in dir.
func RecordPath(dir, id string) string {
	return filepath.Join(dir, recordPrefix+id+".json")
}

// WriteRecord saves run as JSON in dir and returns the file path.
func WriteRecord(dir string, run *Run) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run record: %w", err)
	}
	path := RecordPath(dir, run.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
