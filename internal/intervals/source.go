package intervals

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Source backs the artifact cache. Stat is cheap and called on every lookup;
// Load is only called when the modification time moved.
type Source interface {
	Stat() (time.Time, error)
	Load() (*Artifact, time.Time, error)
}

// FileSource reads a JSON calibration artifact from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Stat() (time.Time, error) {
	fi, err := os.Stat(s.Path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func (s FileSource) Load() (*Artifact, time.Time, error) {
	fi, err := os.Stat(s.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse artifact %s: %w", s.Path, err)
	}
	return &a, fi.ModTime(), nil
}
