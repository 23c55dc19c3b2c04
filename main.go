package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/packmule/packmule/api"
	"github.com/packmule/packmule/cache"
	"github.com/packmule/packmule/modpack"
	"github.com/packmule/packmule/services"
	"github.com/packmule/packmule/util/fileutils"
)

var log zerolog.Logger

func main() {
	app := &cli.App{
		Name:  "packmule",
		Usage: "Install CurseForge modpacks as MultiMC instances",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "launcher-dir",
				Usage:   "MultiMC root directory (defaults to the one remembered by init)",
				EnvVars: []string{"PACKMULE_LAUNCHER_DIR"},
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "download cache directory",
				Value:   defaultCacheDir(),
				EnvVars: []string{"PACKMULE_CACHE_DIR"},
			},
			&cli.IntFlag{
				Name:    "parallel",
				Usage:   "max concurrent catalog calls and downloads",
				Value:   4,
				EnvVars: []string{"PACKMULE_PARALLEL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity, trace to error",
				Value:   "info",
				EnvVars: []string{"PACKMULE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "fallback",
				Usage:   "replacement policy for vanished files: next or latest",
				Value:   "next",
				EnvVars: []string{"PACKMULE_FALLBACK"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("bad log level %q", c.String("log-level"))
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				With().Timestamp().Logger().Level(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Remember where your MultiMC launcher lives",
				ArgsUsage: "<launcher-dir>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "forget",
						Usage: "drop the remembered launcher directory instead",
					},
				},
				Action: func(c *cli.Context) error {
					if c.Bool("forget") {
						if err := fileutils.ForgetLauncherDir(); err != nil {
							return err
						}
						pterm.Success.Println("Launcher directory forgotten")
						return nil
					}
					dir := c.Args().Get(0)
					if dir == "" {
						return cli.Exit("usage: packmule init <launcher-dir>", 2)
					}
					if _, err := os.Stat(dir); err != nil {
						return fmt.Errorf("launcher dir: %w", err)
					}
					if _, err := os.Stat(filepath.Join(dir, "instances")); err != nil {
						pterm.Warning.Println("No instances folder under " + dir + " yet, it will be created on first install")
					}
					if err := fileutils.SaveLauncherDir(dir); err != nil {
						return err
					}
					pterm.Success.Println("Launcher directory remembered")
					return nil
				},
			},
			{
				Name:      "install",
				Usage:     "Install a modpack as a MultiMC instance",
				ArgsUsage: "<pack> <instance>",
				Action:    installAction,
			},
			{
				Name:      "upgrade",
				Usage:     "Upgrade an instance to a newer pack version",
				ArgsUsage: "<pack> <instance>",
				Action:    upgradeAction,
			},
			{
				Name:    "ls",
				Aliases: []string{"list"},
				Usage:   "List packmule-managed instances",
				Action:  listAction,
			},
			{
				Name:      "rm",
				Aliases:   []string{"remove"},
				Usage:     "Delete an instance",
				ArgsUsage: "<instance>",
				Action: func(c *cli.Context) error {
					name := c.Args().Get(0)
					if name == "" {
						return cli.Exit("usage: packmule rm <instance>", 2)
					}
					root, err := launcherRoot(c)
					if err != nil {
						return err
					}
					asm := &services.Assembler{LauncherRoot: root, Log: log}
					if err := asm.DeleteInstance(name); err != nil {
						return err
					}
					pterm.Success.Println("Removed " + name)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "packmule")
}

func launcherRoot(c *cli.Context) (string, error) {
	if dir := c.String("launcher-dir"); dir != "" {
		return dir, nil
	}
	return fileutils.LauncherDir()
}

type env struct {
	client   *api.Client
	store    *cache.Store
	resolver *services.Resolver
	asm      *services.Assembler
}

func buildEnv(c *cli.Context) (*env, error) {
	root, err := launcherRoot(c)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("launcher dir: %w", err)
	}
	policy, err := services.ParseFallbackPolicy(c.String("fallback"))
	if err != nil {
		return nil, err
	}
	store, err := cache.New(c.String("cache-dir"), log)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(log)
	return &env{
		client: client,
		store:  store,
		resolver: &services.Resolver{
			Catalog:  client,
			Policy:   policy,
			Parallel: c.Int("parallel"),
			Log:      log,
		},
		asm: &services.Assembler{LauncherRoot: root, Meta: client, Log: log},
	}, nil
}

// packSource is a fetched and unpacked modpack archive.
type packSource struct {
	project  api.Project
	file     api.FileDescriptor
	manifest *modpack.Manifest
	dir      string
}

func fetchPack(ctx context.Context, e *env, c *cli.Context, raw string) (*packSource, error) {
	loc, err := modpack.ParseLocator(raw)
	if err != nil {
		return nil, err
	}
	project, err := e.client.ResolveProject(ctx, loc.Project)
	if err != nil {
		return nil, err
	}
	file, err := e.client.PackFile(ctx, project.ID, loc.FileID)
	if err != nil {
		return nil, err
	}

	fmt.Println("Fetching " + project.Name + " (" + file.FileName + ")")
	archive, err := e.store.Fetch(ctx, file.ID, file.DownloadURL)
	if err != nil {
		return nil, err
	}
	unpackDir := filepath.Join(c.String("cache-dir"), "unpack", strconv.FormatInt(file.ID, 10))
	if err := os.RemoveAll(unpackDir); err != nil {
		return nil, err
	}
	if err := fileutils.Unzip(archive, unpackDir); err != nil {
		return nil, err
	}
	manifest, err := modpack.ReadManifest(unpackDir)
	if err != nil {
		return nil, err
	}
	return &packSource{project: project, file: file, manifest: manifest, dir: unpackDir}, nil
}

func loadIcon(ctx context.Context, e *env, projectID int64) services.Icon {
	data, ext, err := e.client.ProjectIcon(ctx, projectID)
	if err != nil {
		log.Debug().Err(err).Msg("no usable pack icon")
		return services.Icon{}
	}
	return services.Icon{Data: data, Ext: ext}
}

func installAction(c *cli.Context) error {
	packArg, name := c.Args().Get(0), c.Args().Get(1)
	if packArg == "" || name == "" {
		return cli.Exit("usage: packmule install <pack> <instance>", 2)
	}
	e, err := buildEnv(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	src, err := fetchPack(ctx, e, c, packArg)
	if err != nil {
		return err
	}
	fmt.Println("Installing " + src.manifest.Name + " " + src.manifest.Version + " as " + name)

	res, err := e.resolver.Resolve(ctx, src.manifest)
	if err != nil {
		return err
	}
	fetched, err := e.resolver.FetchAll(ctx, e.store, res.Files)
	if err != nil {
		return err
	}

	result, err := e.asm.Assemble(ctx, services.AssembleInput{
		Name:        name,
		Manifest:    src.manifest,
		Resolved:    res.Files,
		Artifacts:   fetched.Paths,
		Icon:        loadIcon(ctx, e, src.project.ID),
		PackDir:     src.dir,
		PackProject: src.project.ID,
		PackFile:    src.file.ID,
	})
	if err != nil {
		placed := 0
		if result != nil {
			placed = result.Placed
		}
		printSummary(e, res, fetched, placed, nil)
		return err
	}

	printSummary(e, res, fetched, result.Placed, nil)
	if !res.OK() || !fetched.OK() {
		return cli.Exit("some mods could not be installed", 1)
	}
	pterm.Success.Println("Instance " + name + " is ready")
	return nil
}

func upgradeAction(c *cli.Context) error {
	packArg, name := c.Args().Get(0), c.Args().Get(1)
	if packArg == "" || name == "" {
		return cli.Exit("usage: packmule upgrade <pack> <instance>", 2)
	}
	e, err := buildEnv(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	src, err := fetchPack(ctx, e, c, packArg)
	if err != nil {
		return err
	}
	fmt.Println("Upgrading " + name + " to " + src.manifest.Name + " " + src.manifest.Version)

	planner := &services.Planner{Assembler: e.asm, Resolver: e.resolver, Store: e.store, Log: log}
	report, err := planner.Run(ctx, services.AssembleInput{
		Name:        name,
		Manifest:    src.manifest,
		Icon:        loadIcon(ctx, e, src.project.ID),
		PackDir:     src.dir,
		PackProject: src.project.ID,
		PackFile:    src.file.ID,
	})
	if err != nil {
		if report != nil {
			printSummary(e, report.Resolution, report.Fetch, len(report.Added), report.Removed)
		}
		return err
	}

	if report.Plan.Empty() && report.Resolution.OK() {
		pterm.Success.Println("Instance " + name + " is already up to date")
		return nil
	}
	printSummary(e, report.Resolution, report.Fetch, len(report.Added), report.Removed)
	if !report.Resolution.OK() || !report.Fetch.OK() {
		return cli.Exit("some mods could not be upgraded", 1)
	}
	pterm.Success.Println("Instance " + name + " upgraded to " + src.manifest.Version)
	return nil
}

func listAction(c *cli.Context) error {
	root, err := launcherRoot(c)
	if err != nil {
		return err
	}
	asm := &services.Assembler{LauncherRoot: root, Log: log}
	infos, err := asm.ListInstances()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No managed instances yet")
		return nil
	}

	lname, lpack, lmc := len("NAME:"), len("PACK:"), len("MINECRAFT:")
	for _, in := range infos {
		lname = max(lname, len(in.Name))
		lpack = max(lpack, len(packLabel(in)))
		lmc = max(lmc, len(in.Minecraft))
	}

	fmt.Println()
	fmt.Println(text.AlignDefault.Apply("NAME:", lname+2) +
		text.AlignDefault.Apply("PACK:", lpack+2) +
		text.AlignDefault.Apply("MINECRAFT:", lmc+2) + "MODS:")
	for _, in := range infos {
		fmt.Println(text.AlignDefault.Apply(text.Bold.Sprint(in.Name), lname+2) +
			text.AlignDefault.Apply(packLabel(in), lpack+2) +
			text.AlignDefault.Apply(in.Minecraft, lmc+2) + strconv.Itoa(in.Mods))
	}
	fmt.Println()
	return nil
}

func packLabel(in services.InstanceInfo) string {
	if in.Pack == "" {
		return "-"
	}
	if in.Version == "" {
		return in.Pack
	}
	return in.Pack + " " + in.Version
}

func printSummary(e *env, res *services.Resolution, fetch *services.FetchResult, placed int, removed []string) {
	fmt.Println()
	for _, f := range res.Fallbacks() {
		fmt.Printf("substituted: project %d file %d -> %d (%s)\n",
			f.ProjectID, f.ReplacedID, f.File.ID, f.File.FileName)
	}
	for _, u := range res.Unresolved {
		pterm.Error.Printfln("unresolved: project %d file %d: %v", u.Ref.ProjectID, u.Ref.FileID, u.Reason)
	}
	if fetch != nil {
		for _, f := range fetch.Failed {
			pterm.Error.Printfln("download failed: %s: %v", f.File.File.FileName, f.Err)
		}
	}
	for _, name := range removed {
		fmt.Println("removed: " + name)
	}

	transfers, hits, bytes := e.store.Stats()
	fmt.Printf("%s mods placed, %s substituted, %s unresolved\n",
		text.Bold.Sprint(strconv.Itoa(placed)),
		text.Bold.Sprint(strconv.Itoa(len(res.Fallbacks()))),
		text.Bold.Sprint(strconv.Itoa(len(res.Unresolved))))
	fmt.Printf("%d downloads, %d cache hits, %s fetched\n", transfers, hits, humanBytes(bytes))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
