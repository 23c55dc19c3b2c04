package modpack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manifest mirrors the manifest.json document found at the root of a
// CurseForge modpack archive.
type Manifest struct {
	ManifestType    string    `json:"manifestType"`
	ManifestVersion int       `json:"manifestVersion"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Author          string    `json:"author"`
	Minecraft       Minecraft `json:"minecraft"`
	Files           []FileRef `json:"files"`
	Overrides       string    `json:"overrides"`
}

type Minecraft struct {
	Version    string      `json:"version"`
	ModLoaders []ModLoader `json:"modLoaders"`
}

type ModLoader struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
}

// FileRef names one mod: a specific file of a specific project.
type FileRef struct {
	ProjectID int64 `json:"projectID"`
	FileID    int64 `json:"fileID"`
	Required  bool  `json:"required"`
}

// ManifestError reports a missing or malformed manifest field.
type ManifestError struct {
	Field  string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest: %s: %s", e.Field, e.Reason)
}

const forgeLoaderPrefix = "forge-"

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Field: "document", Reason: err.Error()}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest loads the manifest from an unpacked modpack directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &ManifestError{Field: "manifest.json", Reason: "not present in pack archive"}
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

func (m *Manifest) validate() error {
	if m.Minecraft.Version == "" {
		return &ManifestError{Field: "minecraft.version", Reason: "missing"}
	}
	for i, loader := range m.Minecraft.ModLoaders {
		if !strings.HasPrefix(loader.ID, forgeLoaderPrefix) {
			return &ManifestError{
				Field:  fmt.Sprintf("minecraft.modLoaders[%d].id", i),
				Reason: fmt.Sprintf("unsupported loader %q", loader.ID),
			}
		}
	}
	seen := make(map[int64]int, len(m.Files))
	for i, f := range m.Files {
		if f.ProjectID <= 0 {
			return &ManifestError{Field: fmt.Sprintf("files[%d].projectID", i), Reason: "missing or not positive"}
		}
		if f.FileID <= 0 {
			return &ManifestError{Field: fmt.Sprintf("files[%d].fileID", i), Reason: "missing or not positive"}
		}
		if prev, dup := seen[f.ProjectID]; dup {
			return &ManifestError{
				Field:  fmt.Sprintf("files[%d].projectID", i),
				Reason: fmt.Sprintf("project %d already referenced by files[%d]", f.ProjectID, prev),
			}
		}
		seen[f.ProjectID] = i
	}
	return nil
}

// ForgeVersion returns the Forge version of the primary mod loader, or ""
// for a vanilla pack. Loader ids look like "forge-14.23.5.2854".
func (m *Manifest) ForgeVersion() string {
	loaders := m.Minecraft.ModLoaders
	if len(loaders) == 0 {
		return ""
	}
	picked := loaders[0]
	for _, loader := range loaders {
		if loader.Primary {
			picked = loader
			break
		}
	}
	return strings.TrimPrefix(picked.ID, forgeLoaderPrefix)
}
