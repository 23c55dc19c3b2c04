package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/packmule/packmule/modpack"
	"github.com/packmule/packmule/util/fileutils"
)

const (
	componentMinecraft = "net.minecraft"
	componentForge     = "net.minecraftforge"

	dotMinecraft = ".minecraft"
	modsSubdir   = "mods"
)

// MetaService answers launcher component questions. *api.Client implements
// it; a nil value skips the checks.
type MetaService interface {
	KnownComponentVersion(ctx context.Context, uid, version string) (bool, error)
	KnownMinecraftVersion(ctx context.Context, version string) (bool, error)
}

// Icon is optional pack art for the launcher.
type Icon struct {
	Data []byte
	Ext  string
}

// Assembler materializes resolved modpacks as MultiMC instances under a
// launcher root directory.
type Assembler struct {
	LauncherRoot string
	Meta         MetaService
	Log          zerolog.Logger
}

// AssembleInput is everything one assembly run needs.
type AssembleInput struct {
	Name        string
	Manifest    *modpack.Manifest
	Resolved    []ResolvedFile
	Artifacts   map[int64]string
	Icon        Icon
	PackDir     string
	PackProject int64
	PackFile    int64
}

// AssembleResult counts what assembly actually did.
type AssembleResult struct {
	Placed    int
	Skipped   int
	Conflicts []string
}

// InstanceDir maps an instance name onto its directory under the launcher
// root, rejecting names that would wander out of it.
func (a *Assembler) InstanceDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid instance name %q", name)
	}
	return filepath.Join(a.LauncherRoot, "instances", name), nil
}

// EnsureInstance creates the instance skeleton and returns its directory.
// Reusing an existing directory is fine, nothing in it is disturbed.
func (a *Assembler) EnsureInstance(name string) (string, error) {
	dir, err := a.InstanceDir(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, dotMinecraft, modsSubdir), 0o755); err != nil {
		return "", fmt.Errorf("create instance layout: %w", err)
	}
	return dir, nil
}

// Assemble makes the instance contain the resolved files plus launcher
// config, icon, and pack overrides. Files the tool did not place itself are
// never touched. Re-running with the same inputs is a no-op.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*AssembleResult, error) {
	dir, err := a.EnsureInstance(in.Name)
	if err != nil {
		return nil, err
	}
	rec, err := fileutils.LoadRecord(dir)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &fileutils.Record{}
	}

	forge := in.Manifest.ForgeVersion()
	if err := a.WriteLauncherConfig(ctx, dir, in.Name, in.Manifest.Minecraft.Version, forge); err != nil {
		return nil, err
	}
	if err := a.PlaceIcon(dir, in.Name, in.Icon); err != nil {
		a.Log.Warn().Err(err).Msg("could not place pack icon")
	}

	result := &AssembleResult{}
	modsDir := filepath.Join(dir, dotMinecraft, modsSubdir)
	for _, rf := range in.Resolved {
		artifact, ok := in.Artifacts[rf.File.ID]
		if !ok {
			// Transfer failed, the caller already knows.
			continue
		}
		placed, conflict, err := a.placeFile(modsDir, rf, artifact, rec)
		if err != nil {
			return result, err
		}
		switch {
		case conflict:
			result.Conflicts = append(result.Conflicts, rf.File.FileName)
			pterm.Warning.Println("Leaving " + rf.File.FileName + " alone, it was not placed by packmule")
		case placed:
			result.Placed++
			a.Log.Debug().Str("file", rf.File.FileName).Msg("placed mod")
			// The record follows every placement, so a run that dies partway
			// never strands a placed file as unmanaged.
			if err := a.flushRecord(dir, rec, in, forge); err != nil {
				return result, err
			}
		default:
			result.Skipped++
		}
	}

	if in.PackDir != "" {
		overrides := in.Manifest.Overrides
		if overrides == "" {
			overrides = "overrides"
		}
		if err := fileutils.MergeTree(filepath.Join(in.PackDir, overrides), filepath.Join(dir, dotMinecraft)); err != nil {
			return result, fmt.Errorf("install overrides: %w", err)
		}
	}

	return result, a.flushRecord(dir, rec, in, forge)
}

// placeFile copies one artifact into the mods folder unless it is already
// there or a user-owned file of the same name is in the way.
func (a *Assembler) placeFile(modsDir string, rf ResolvedFile, artifact string, rec *fileutils.Record) (placed, conflict bool, err error) {
	target := filepath.Join(modsDir, rf.File.FileName)
	if prev, ok := rec.ByProject(rf.ProjectID); ok {
		if prev.FileID == rf.File.ID {
			if _, err := os.Stat(target); err == nil {
				return false, false, nil
			}
		} else if prev.FileName != rf.File.FileName {
			// A stale version owned by the tool gives way to its replacement.
			if err := os.Remove(filepath.Join(modsDir, prev.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return false, false, fmt.Errorf("remove stale %s: %w", prev.FileName, err)
			}
		}
	}
	if _, err := os.Stat(target); err == nil {
		if _, managed := rec.ByFileName(rf.File.FileName); !managed {
			return false, true, nil
		}
	}

	if err := fileutils.CopyFile(artifact, target); err != nil {
		return false, false, fmt.Errorf("place %s: %w", rf.File.FileName, err)
	}
	rec.Put(fileutils.RecordFile{
		ProjectID: rf.ProjectID,
		FileID:    rf.File.ID,
		FileName:  rf.File.FileName,
		Fallback:  rf.Fallback,
	})
	return true, false, nil
}

func (a *Assembler) flushRecord(dir string, rec *fileutils.Record, in AssembleInput, forge string) error {
	rec.PackProject = in.PackProject
	rec.PackFile = in.PackFile
	rec.PackName = in.Manifest.Name
	rec.PackVersion = in.Manifest.Version
	rec.Minecraft = in.Manifest.Minecraft.Version
	rec.Forge = forge
	return fileutils.SaveRecord(dir, rec)
}

// WriteLauncherConfig creates or patches mmc-pack.json and instance.cfg for
// the pack's runtime versions. Existing launcher-owned fields survive the
// patch untouched.
func (a *Assembler) WriteLauncherConfig(ctx context.Context, dir, name, mcVersion, forgeVersion string) error {
	packPath := filepath.Join(dir, "mmc-pack.json")
	data, err := os.ReadFile(packPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fresh, err := freshPackDoc(mcVersion, forgeVersion)
		if err != nil {
			return err
		}
		if err := fileutils.WriteFileAtomic(packPath, fresh, 0o644); err != nil {
			return fmt.Errorf("write mmc-pack.json: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read mmc-pack.json: %w", err)
	default:
		patched, changed, err := upsertComponentVersion(data, componentMinecraft, mcVersion)
		if err != nil {
			return fmt.Errorf("patch mmc-pack.json: %w", err)
		}
		if forgeVersion != "" {
			var forgeChanged bool
			patched, forgeChanged, err = upsertComponentVersion(patched, componentForge, forgeVersion)
			if err != nil {
				return fmt.Errorf("patch mmc-pack.json: %w", err)
			}
			changed = changed || forgeChanged
		}
		if changed {
			if err := fileutils.WriteFileAtomic(packPath, patched, 0o644); err != nil {
				return fmt.Errorf("write mmc-pack.json: %w", err)
			}
		}
	}

	cfg := map[string]string{
		"InstanceType": "OneSix",
		"name":         name,
	}
	if err := fileutils.SetConfigOptions(filepath.Join(dir, "instance.cfg"), cfg); err != nil {
		return fmt.Errorf("write instance.cfg: %w", err)
	}

	if a.Meta != nil {
		known, err := a.Meta.KnownMinecraftVersion(ctx, mcVersion)
		if err != nil {
			a.Log.Warn().Err(err).Msg("could not check minecraft version against mojang meta")
		} else if !known {
			pterm.Warning.Println("Minecraft " + mcVersion + " is unknown to Mojang's version manifest, the pack may be broken")
		}
		if forgeVersion != "" {
			known, err := a.Meta.KnownComponentVersion(ctx, componentForge, forgeVersion)
			if err != nil {
				a.Log.Warn().Err(err).Msg("could not check forge version against launcher meta")
			} else if !known {
				pterm.Warning.Println("Forge " + forgeVersion + " is unknown to the launcher meta service, the instance may need manual setup")
			}
		}
	}
	return nil
}

type mmcComponent struct {
	Important bool   `json:"important,omitempty"`
	Uid       string `json:"uid"`
	Version   string `json:"version"`
}

type mmcPack struct {
	Components    []mmcComponent `json:"components"`
	FormatVersion int            `json:"formatVersion"`
}

func freshPackDoc(mcVersion, forgeVersion string) ([]byte, error) {
	pack := mmcPack{
		Components:    []mmcComponent{{Important: true, Uid: componentMinecraft, Version: mcVersion}},
		FormatVersion: 1,
	}
	if forgeVersion != "" {
		pack.Components = append(pack.Components, mmcComponent{Uid: componentForge, Version: forgeVersion})
	}
	return json.MarshalIndent(pack, "", "    ")
}

// upsertComponentVersion sets one component's version inside an existing
// mmc-pack.json, patching in place when the component exists and appending it
// otherwise.
func upsertComponentVersion(data []byte, uid, version string) ([]byte, bool, error) {
	idx := -1
	for i, comp := range gjson.GetBytes(data, "components").Array() {
		if comp.Get("uid").String() == uid {
			if comp.Get("version").String() == version {
				return data, false, nil
			}
			idx = i
			break
		}
	}
	if idx >= 0 {
		patched, err := jsonparser.Set(data, []byte(strconv.Quote(version)), "components", "["+strconv.Itoa(idx)+"]", "version")
		if err != nil {
			return nil, false, err
		}
		return patched, true, nil
	}

	// Component not present yet: rebuild only the components array so the
	// document's other fields survive byte for byte.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	var comps []json.RawMessage
	if raw, ok := doc["components"]; ok {
		if err := json.Unmarshal(raw, &comps); err != nil {
			return nil, false, err
		}
	}
	addition, err := json.Marshal(mmcComponent{Uid: uid, Version: version})
	if err != nil {
		return nil, false, err
	}
	comps = append(comps, addition)
	merged, err := json.Marshal(comps)
	if err != nil {
		return nil, false, err
	}
	doc["components"] = merged
	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// PlaceIcon drops the pack icon into the launcher's shared icons folder once
// and points the instance at it.
func (a *Assembler) PlaceIcon(dir, name string, icon Icon) error {
	if len(icon.Data) == 0 {
		return nil
	}
	key := "packmule_" + name
	iconsDir := filepath.Join(a.LauncherRoot, "icons")
	if err := os.MkdirAll(iconsDir, 0o755); err != nil {
		return err
	}
	ext := icon.Ext
	if ext == "" {
		ext = ".png"
	}
	target := filepath.Join(iconsDir, key+ext)
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if err := fileutils.WriteFileAtomic(target, icon.Data, 0o644); err != nil {
			return fmt.Errorf("write icon: %w", err)
		}
	}
	return fileutils.SetConfigOptions(filepath.Join(dir, "instance.cfg"), map[string]string{"iconKey": key})
}

// InstanceInfo is one row of the instance listing.
type InstanceInfo struct {
	Name      string
	Pack      string
	Version   string
	Minecraft string
	Mods      int
}

// ListInstances summarizes every instance under the launcher root that
// carries a provenance record.
func (a *Assembler) ListInstances() ([]InstanceInfo, error) {
	entries, err := os.ReadDir(filepath.Join(a.LauncherRoot, "instances"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []InstanceInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := fileutils.LoadRecord(filepath.Join(a.LauncherRoot, "instances", e.Name()))
		if err != nil {
			a.Log.Warn().Err(err).Str("instance", e.Name()).Msg("skipping unreadable record")
			continue
		}
		if rec == nil {
			continue
		}
		out = append(out, InstanceInfo{
			Name:      e.Name(),
			Pack:      rec.PackName,
			Version:   rec.PackVersion,
			Minecraft: rec.Minecraft,
			Mods:      len(rec.Files),
		})
	}
	return out, nil
}

// DeleteInstance removes an instance directory entirely.
func (a *Assembler) DeleteInstance(name string) error {
	dir, err := a.InstanceDir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no instance named %q", name)
	}
	return os.RemoveAll(dir)
}
