package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RecordName is the hidden provenance file kept inside each managed instance
// directory.
const RecordName = ".packmule.json"

// RecordFile is one mod file the tool placed into an instance.
type RecordFile struct {
	ProjectID int64  `json:"projectId"`
	FileID    int64  `json:"fileId"`
	FileName  string `json:"fileName"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// Record tracks what the tool placed into an instance, so later runs can tell
// managed files from the user's own additions.
type Record struct {
	PackProject int64        `json:"packProject,omitempty"`
	PackFile    int64        `json:"packFile,omitempty"`
	PackName    string       `json:"packName,omitempty"`
	PackVersion string       `json:"packVersion,omitempty"`
	Minecraft   string       `json:"minecraft"`
	Forge       string       `json:"forge,omitempty"`
	Updated     time.Time    `json:"updated"`
	Files       []RecordFile `json:"files"`
}

// ByProject returns the managed file for a project, if any.
func (r *Record) ByProject(projectID int64) (RecordFile, bool) {
	for _, f := range r.Files {
		if f.ProjectID == projectID {
			return f, true
		}
	}
	return RecordFile{}, false
}

// ByFileName returns the managed file with the given base name, if any.
func (r *Record) ByFileName(name string) (RecordFile, bool) {
	for _, f := range r.Files {
		if f.FileName == name {
			return f, true
		}
	}
	return RecordFile{}, false
}

// Put inserts or replaces the managed file for f's project.
func (r *Record) Put(f RecordFile) {
	for i, existing := range r.Files {
		if existing.ProjectID == f.ProjectID {
			r.Files[i] = f
			return
		}
	}
	r.Files = append(r.Files, f)
}

// Drop removes the managed file for a project.
func (r *Record) Drop(projectID int64) {
	for i, f := range r.Files {
		if f.ProjectID == projectID {
			r.Files = append(r.Files[:i], r.Files[i+1:]...)
			return
		}
	}
}

// LoadRecord reads the record of an instance directory. A missing record
// yields (nil, nil), meaning nothing is managed yet.
func LoadRecord(instanceDir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(instanceDir, RecordName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instance record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse instance record: %w", err)
	}
	return &r, nil
}

// SaveRecord writes the record atomically so a crash never leaves corrupt
// provenance behind.
func SaveRecord(instanceDir string, r *Record) error {
	r.Updated = time.Now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(filepath.Join(instanceDir, RecordName), data, 0o644); err != nil {
		return fmt.Errorf("write instance record: %w", err)
	}
	return nil
}
