package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"securetrack/internal/agent"
	"securetrack/internal/config"
	"securetrack/internal/logging"
)

func cmdRun(args []string) {
	fs, configFlag := newFlagSet("run")
	detach := fs.Bool("detach", false, "run in the background")
	fs.Parse(args)

	path := resolveConfigPath(*configFlag)

	if *detach {
		spawnDetached(path)
		return
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fatalf("loading config: %v", err)
	}

	logCfg, err := loggingConfig(cfg.Logging)
	if err != nil {
		fatalf("logging config: %v", err)
	}
	log, err := logging.New(logCfg)
	if err != nil {
		fatalf("opening log: %v", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	if created {
		log.Info("wrote default configuration", "path", path)
	}

	loader := config.NewLoader(path, log.Logger)
	defer loader.Close()
	if cfg, err = loader.Load(); err != nil {
		log.Error("config load failed", "path", path, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, agent.Options{
		Config:      cfg,
		Version:     Version,
		VersionCode: buildNumber(),
		Log:         log,
		Logger:      log.Logger,
	})
	if err != nil {
		log.Error("daemon init failed", "error", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		log.Error("daemon start failed", "error", err)
		a.Stop()
		os.Exit(1)
	}

	loader.OnChange(a.OnConfigChange)
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable, reload with SIGHUP", "error", err)
	}

	log.Info("securetrackd running", "version", Version, "config", path, "socket", cfg.IPC.SocketPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Info("reloading configuration")
			loader.Reload()
			continue
		}
		log.Info("shutting down", "signal", sig.String())
		break
	}

	if err := a.Stop(); err != nil {
		log.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}

// spawnDetached re-executes the binary in its own session.
func spawnDetached(path string) {
	exe, err := os.Executable()
	if err != nil {
		fatalf("locating executable: %v", err)
	}

	cmd := exec.Command(exe, "run", "-config", path)
	cmd.SysProcAttr = getDaemonSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fatalf("starting daemon: %v", err)
	}
	fmt.Printf("securetrackd started (PID %d)\n", cmd.Process.Pid)
	cmd.Process.Release()
}
