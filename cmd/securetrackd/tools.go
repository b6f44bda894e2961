package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"securetrack/internal/config"
	"securetrack/internal/report"
	"securetrack/internal/update"
)

func cmdReport(args []string) {
	fs, configFlag := newFlagSet("report")
	output := fs.String("o", "", "output file (default securetrack-report-<time>.pdf)")
	operator := fs.String("operator", "", "name printed as the report author")
	note := fs.String("note", "", "free text printed under the header")
	fontPath := fs.String("font", "", "TrueType font for non-ASCII text")
	fs.Parse(args)

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()

	status := report.Status{Version: Version}
	var err error
	if status.SetupComplete, err = l.creds.SetupComplete(ctx); err != nil {
		fatalf("reading setup state: %v", err)
	}
	status.ProtectionEnabled, _ = l.creds.ProtectionEnabled(ctx)
	status.WipeEnabled, _ = l.creds.WipeEnabled(ctx)
	if ts, err := l.creds.TamperState(ctx); err == nil {
		status.SimBound = ts.OriginalSimIdentity != ""
		status.FailedUnlocks = ts.FailedUnlockAttempts
	}

	path := *output
	if path == "" {
		path = fmt.Sprintf("securetrack-report-%s.pdf", time.Now().Format("20060102-150405"))
	}

	res, err := report.Generate(ctx, l.store, status, report.Options{
		Path:     path,
		Operator: *operator,
		Note:     *note,
		FontPath: *fontPath,
	})
	if err != nil {
		fatalf("generating report: %v", err)
	}

	fmt.Printf("Report written: %s\n", res.Path)
	fmt.Printf("  Commands:   %d\n", res.Commands)
	fmt.Printf("  Intrusions: %d\n", res.Intrusions)
	fmt.Printf("  SHA-256:    %s\n", res.SHA256)
	for _, w := range res.Warnings {
		fmt.Printf("  Warning: %s\n", w)
	}
}

func cmdUpdate(args []string) {
	fs, configFlag := newFlagSet("update")
	dir := fs.String("dir", "", "download directory (default from config)")
	fs.Parse(args)
	if fs.NArg() != 1 || (fs.Arg(0) != "check" && fs.Arg(0) != "download") {
		fmt.Fprintln(os.Stderr, "Usage: securetrackd update [-dir path] check|download")
		os.Exit(1)
	}

	cfg := loadConfig(*configFlag)
	if cfg.Update.ManifestURL == "" {
		fatalf("update.manifest_url is not configured")
	}

	checker, err := update.NewChecker(cfg.Update.ManifestURL, buildNumber(), update.NewClient(cfg.Update.Timeout()), nil)
	if err != nil {
		fatalf("creating update checker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := checker.Check(ctx)
	if err != nil {
		fatalf("checking for updates: %v", err)
	}
	if !res.Available {
		fmt.Printf("Up to date (build %d, published %d).\n", res.Current, res.Manifest.VersionCode)
		return
	}

	name := res.Manifest.VersionName
	if name == "" {
		name = fmt.Sprintf("build %d", res.Manifest.VersionCode)
	}
	fmt.Printf("Update available: %s (build %d, installed %d)\n", name, res.Manifest.VersionCode, res.Current)
	if res.Manifest.Changes != "" {
		fmt.Printf("\n%s\n\n", res.Manifest.Changes)
	}
	if fs.Arg(0) == "check" {
		return
	}

	target := *dir
	if target == "" {
		target = cfg.Update.DownloadDir
	}
	if err := os.MkdirAll(target, 0700); err != nil {
		fatalf("creating %s: %v", target, err)
	}

	var last int64
	path, sum, err := checker.Download(ctx, res.Manifest, target, func(written, total int64) {
		if total <= 0 || written-last < total/20 && written != total {
			return
		}
		last = written
		fmt.Fprintf(os.Stderr, "\r  %3d%%", written*100/total)
	})
	fmt.Fprintln(os.Stderr)
	if errors.Is(err, update.ErrChecksum) {
		fatalf("download rejected: published digest does not match")
	}
	if err != nil {
		fatalf("downloading update: %v", err)
	}
	fmt.Printf("Downloaded %s\n  SHA-256: %s\n", path, sum)
}

func cmdConfig(args []string) {
	fs, configFlag := newFlagSet("config")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, `Usage: securetrackd config <action>

ACTIONS:
    show        Print the effective configuration as TOML
    validate    Check the configuration file
    migrate     Upgrade the file to the current schema (keeps a backup)
    init        Write the default configuration if none exists`)
		os.Exit(1)
	}
	path := resolveConfigPath(*configFlag)

	switch action := fs.Arg(0); action {
	case "show":
		data, err := config.Encode(loadConfig(path))
		if err != nil {
			fatalf("encoding config: %v", err)
		}
		fmt.Printf("# %s\n%s", path, data)

	case "validate":
		if _, err := config.LoadStrict(path); err != nil {
			var verrs config.ValidationErrors
			if errors.As(err, &verrs) {
				fmt.Fprintf(os.Stderr, "%s is invalid:\n", path)
				for _, v := range verrs {
					fmt.Fprintf(os.Stderr, "  - %s\n", v.Error())
				}
				os.Exit(1)
			}
			fatalf("%s: %v", path, err)
		}
		fmt.Printf("%s is valid.\n", path)

	case "migrate":
		res, err := config.MigrateFile(path)
		if err != nil {
			fatalf("migrating %s: %v", path, err)
		}
		if res == nil {
			fmt.Printf("%s is already at version %d.\n", path, config.Version)
			return
		}
		fmt.Printf("Migrated %s from version %d to %d\n", path, res.FromVersion, res.ToVersion)
		if res.Backup != "" {
			fmt.Printf("  Backup: %s\n", res.Backup)
		}
		for _, c := range res.Changes {
			fmt.Printf("  + %s\n", c)
		}
		for _, w := range res.Warnings {
			fmt.Printf("  ! %s\n", w)
		}

	case "init":
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fatalf("%v", err)
		}
		if !created {
			fmt.Printf("%s already exists.\n", path)
			return
		}
		abs, _ := filepath.Abs(path)
		fmt.Printf("Wrote default configuration to %s\n", abs)

	default:
		fatalf("unknown config action: %s", action)
	}
}
