package job

import (
	"encoding/json"
	"path/filepath"

	"github.com/natcap/invest-compute/internal/apperrors"
	"github.com/natcap/invest-compute/internal/workspace"
)

// MaxAnnotationSize bounds the serialized metadata envelope. Scheduler
// comment channels truncate silently past their limit, so oversized
// envelopes are rejected at encode time instead.
const MaxAnnotationSize = 1024

// Metadata is the envelope attached to every job through the scheduler's
// comment channel. It is the only persistent record tying a scheduler handle
// back to its workspace; with it, any gateway instance can locate results
// for a job it did not submit.
type Metadata struct {
	Workdir     string `json:"workdir"`
	ResultsPath string `json:"results_path"`
	ProcessID   string `json:"process_id"`
}

// NewMetadata builds the envelope for a workspace.
func NewMetadata(ws *workspace.Workspace, processID string) Metadata {
	return Metadata{
		Workdir:     ws.Path,
		ResultsPath: filepath.Join(ws.Path, workspace.ResultsFile),
		ProcessID:   processID,
	}
}

// Encode serializes the envelope for the comment channel.
func (m Metadata) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", apperrors.Internal("metadata.encode", err)
	}
	if len(raw) > MaxAnnotationSize {
		return "", apperrors.Validation("metadata", "metadata annotation exceeds size limit")
	}
	return string(raw), nil
}

// DecodeMetadata parses an envelope retrieved from the scheduler.
func DecodeMetadata(raw string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, apperrors.Internal("metadata.decode", err)
	}
	if m.Workdir == "" {
		return Metadata{}, apperrors.Validation("metadata", "metadata annotation missing workdir")
	}
	return m, nil
}
