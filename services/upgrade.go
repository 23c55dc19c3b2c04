package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/packmule/packmule/cache"
	"github.com/packmule/packmule/util/fileutils"
)

// Phase names one step of an upgrade run.
type Phase int

const (
	PhaseLoadExisting Phase = iota
	PhaseResolveNew
	PhaseDiff
	PhaseApply
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseLoadExisting:
		return "load-existing"
	case PhaseResolveNew:
		return "resolve-new"
	case PhaseDiff:
		return "diff"
	case PhaseApply:
		return "apply"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Plan is the delta between an instance's managed files and a fresh
// resolution. Files the record does not own never appear in it.
type Plan struct {
	ToAdd     []ResolvedFile
	ToRemove  []fileutils.RecordFile
	Replaced  map[int64]fileutils.RecordFile
	Unchanged []fileutils.RecordFile
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	return len(p.ToAdd) == 0 && len(p.ToRemove) == 0 && len(p.Replaced) == 0
}

// Diff computes the delta taking the instance from its recorded file set to
// the resolved set. A project whose file id changed contributes its old file
// to Replaced and its new one to ToAdd, so the managed set ends up matching
// the resolution exactly. Projects the resolution could not settle keep their
// installed file.
func Diff(rec *fileutils.Record, res *Resolution) *Plan {
	plan := &Plan{Replaced: make(map[int64]fileutils.RecordFile)}

	known := make(map[int64]fileutils.RecordFile)
	if rec != nil {
		for _, f := range rec.Files {
			known[f.ProjectID] = f
		}
	}
	unresolved := make(map[int64]struct{}, len(res.Unresolved))
	for _, u := range res.Unresolved {
		unresolved[u.Ref.ProjectID] = struct{}{}
	}

	current := make(map[int64]struct{}, len(res.Files))
	for _, rf := range res.Files {
		current[rf.ProjectID] = struct{}{}
		old, ok := known[rf.ProjectID]
		switch {
		case !ok:
			plan.ToAdd = append(plan.ToAdd, rf)
		case old.FileID != rf.File.ID:
			plan.ToAdd = append(plan.ToAdd, rf)
			plan.Replaced[rf.ProjectID] = old
		default:
			plan.Unchanged = append(plan.Unchanged, old)
		}
	}
	if rec != nil {
		for _, f := range rec.Files {
			if _, ok := current[f.ProjectID]; ok {
				continue
			}
			if _, stuck := unresolved[f.ProjectID]; stuck {
				continue
			}
			plan.ToRemove = append(plan.ToRemove, f)
		}
	}
	return plan
}

// UpgradeReport is everything one upgrade run found and did. Removed and
// Added list file names in the order the steps completed, so a failed run
// states precisely how far it got.
type UpgradeReport struct {
	Plan       *Plan
	Resolution *Resolution
	Fetch      *FetchResult
	Removed    []string
	Added      []string
}

// Planner upgrades an existing instance toward a newly resolved manifest
// without disturbing anything the user added by hand.
type Planner struct {
	Assembler *Assembler
	Resolver  *Resolver
	Store     *cache.Store
	Log       zerolog.Logger
}

func (p *Planner) phase(ph Phase) {
	p.Log.Info().Str("phase", ph.String()).Msg("upgrade")
}

// Run drives one upgrade through its phases. The instance record is saved
// after every completed step, so an interrupted run can simply be rerun.
func (p *Planner) Run(ctx context.Context, in AssembleInput) (*UpgradeReport, error) {
	p.phase(PhaseLoadExisting)
	dir, err := p.Assembler.InstanceDir(in.Name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no instance named %q, install it first", in.Name)
	}
	rec, err := fileutils.LoadRecord(dir)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &fileutils.Record{}
	}

	p.phase(PhaseResolveNew)
	res, err := p.Resolver.Resolve(ctx, in.Manifest)
	if err != nil {
		return nil, err
	}

	p.phase(PhaseDiff)
	plan := Diff(rec, res)
	p.Log.Info().Int("add", len(plan.ToAdd)).Int("remove", len(plan.ToRemove)).
		Int("replace", len(plan.Replaced)).Int("unchanged", len(plan.Unchanged)).
		Msg("computed delta")
	warnMinecraftJump(p.Log, rec.Minecraft, in.Manifest.Minecraft.Version)
	report := &UpgradeReport{Plan: plan, Resolution: res}

	p.phase(PhaseApply)
	fetch, err := p.Resolver.FetchAll(ctx, p.Store, plan.ToAdd)
	if err != nil {
		return report, err
	}
	report.Fetch = fetch

	forge := in.Manifest.ForgeVersion()
	if err := p.Assembler.WriteLauncherConfig(ctx, dir, in.Name, in.Manifest.Minecraft.Version, forge); err != nil {
		return report, err
	}
	if err := p.Assembler.PlaceIcon(dir, in.Name, in.Icon); err != nil {
		p.Log.Warn().Err(err).Msg("could not place pack icon")
	}

	// Each step mutates the filesystem first and the record second, so on any
	// error the last saved record still matches what is on disk.
	modsDir := filepath.Join(dir, dotMinecraft, modsSubdir)
	flush := func() error { return p.Assembler.flushRecord(dir, rec, in, forge) }

	for _, old := range plan.ToRemove {
		if err := removeManaged(modsDir, old); err != nil {
			return report, err
		}
		rec.Drop(old.ProjectID)
		report.Removed = append(report.Removed, old.FileName)
		if err := flush(); err != nil {
			return report, err
		}
	}

	for _, rf := range plan.ToAdd {
		artifact, ok := fetch.Paths[rf.File.ID]
		if !ok {
			// Transfer failed for good, keep whatever version is installed.
			continue
		}
		if old, ok := plan.Replaced[rf.ProjectID]; ok && old.FileName != rf.File.FileName {
			if err := removeManaged(modsDir, old); err != nil {
				return report, err
			}
			rec.Drop(old.ProjectID)
			report.Removed = append(report.Removed, old.FileName)
		}
		placed, conflict, err := p.Assembler.placeFile(modsDir, rf, artifact, rec)
		if err != nil {
			return report, err
		}
		if conflict {
			pterm.Warning.Println("Leaving " + rf.File.FileName + " alone, it was not placed by packmule")
		}
		if placed {
			report.Added = append(report.Added, rf.File.FileName)
		}
		if err := flush(); err != nil {
			return report, err
		}
	}

	if in.PackDir != "" {
		overrides := in.Manifest.Overrides
		if overrides == "" {
			overrides = "overrides"
		}
		if err := fileutils.MergeTree(filepath.Join(in.PackDir, overrides), filepath.Join(dir, dotMinecraft)); err != nil {
			return report, fmt.Errorf("install overrides: %w", err)
		}
	}
	if err := flush(); err != nil {
		return report, err
	}

	p.phase(PhaseDone)
	return report, nil
}

// removeManaged deletes a tool-owned mod file. Already missing is fine.
func removeManaged(modsDir string, f fileutils.RecordFile) error {
	err := os.Remove(filepath.Join(modsDir, f.FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.FileName, err)
	}
	return nil
}

// warnMinecraftJump flags upgrades that change the Minecraft version, which
// tends to break saves and user-added mods.
func warnMinecraftJump(log zerolog.Logger, from, to string) {
	if from == "" || from == to {
		return
	}
	if semver.IsValid("v"+from) && semver.IsValid("v"+to) && semver.Compare("v"+from, "v"+to) == 0 {
		return
	}
	log.Warn().Str("from", from).Str("to", to).Msg("pack changes minecraft version")
	pterm.Warning.Println("The pack moves Minecraft " + from + " -> " + to + ", user-added mods may stop working")
}
