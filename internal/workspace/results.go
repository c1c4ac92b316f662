package workspace

import (
	"encoding/json"
	"fmt"
	"os"
)

// Record is the results document summarizing a job's outputs. Post-processing
// writes it at the end of a successful run; workload-specific keys are merged
// alongside the well-known ones.
type Record map[string]any

// Well-known results record keys.
const (
	KeyResults     = "results"     // durable-store address of the uploaded workspace
	KeyType        = "type"        // error kind, when the record carries an error payload
	KeyDescription = "description" // human-readable error description
	KeyWorkspace   = "workspace"   // local workspace path
)

// WriteResults writes the results record into the workspace, replacing any
// previous record.
func (w *Workspace) WriteResults(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results record: %w", err)
	}
	if err := os.WriteFile(w.ResultsPath(), data, 0o644); err != nil {
		return fmt.Errorf("write results record: %w", err)
	}
	return nil
}

// ReadResults reads the results record from the workspace.
// Returns os.ErrNotExist if post-processing never wrote one.
func (w *Workspace) ReadResults() (Record, error) {
	data, err := os.ReadFile(w.ResultsPath())
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse results record: %w", err)
	}
	return rec, nil
}
