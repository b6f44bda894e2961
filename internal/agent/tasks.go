package agent

import (
	"context"
	"reflect"
	"time"

	"securetrack/internal/config"
	"securetrack/internal/ipc"
	"securetrack/internal/logging"
	"securetrack/internal/update"
)

// PurgeLedger removes ledger rows older than the configured retention. A
// zero retention keeps everything.
func (a *Agent) PurgeLedger(ctx context.Context) (int64, error) {
	retention := a.Config().Ledger.Retention()
	if retention <= 0 {
		return 0, nil
	}
	return a.ledger.PurgeOlderThan(ctx, time.Now().Add(-retention))
}

// CheckUpdate fetches the update manifest. It returns nil without error when
// update checks are disabled.
func (a *Agent) CheckUpdate(ctx context.Context) (*update.Result, error) {
	a.updateMu.Lock()
	checker := a.updater
	a.updateMu.Unlock()
	if checker == nil {
		return nil, nil
	}

	res, err := checker.Check(ctx)
	if err != nil {
		return nil, err
	}
	a.updateMu.Lock()
	a.lastUpdate = res
	a.updateMu.Unlock()
	if res.Available {
		a.logger.Info("update available",
			"current", res.Current,
			"version_code", res.Manifest.VersionCode,
			"version_name", res.Manifest.VersionName,
			"changes", res.Manifest.Changes,
		)
	}
	return res, nil
}

// LastUpdate returns the result of the latest successful check.
func (a *Agent) LastUpdate() *update.Result {
	a.updateMu.Lock()
	defer a.updateMu.Unlock()
	return a.lastUpdate
}

// every runs fn now and then after each interval; interval is re-read after
// every run so reloads take effect. A non-positive interval waits an hour
// and asks again.
func (a *Agent) every(interval func() time.Duration, fn func(ctx context.Context)) {
	defer a.wg.Done()
	fn(a.ctx)
	for {
		d := interval()
		if d <= 0 {
			d = time.Hour
		}
		t := time.NewTimer(d)
		select {
		case <-a.ctx.Done():
			t.Stop()
			return
		case <-t.C:
			fn(a.ctx)
		}
	}
}

func (a *Agent) purgeLoop() {
	a.every(func() time.Duration { return a.Config().Ledger.PurgeInterval() }, func(ctx context.Context) {
		n, err := a.PurgeLedger(ctx)
		if err != nil {
			a.logger.Error("ledger purge failed", "error", err)
			return
		}
		if n > 0 {
			a.logger.Info("ledger purged", "rows", n)
		}
	})
}

func (a *Agent) updateLoop() {
	a.every(func() time.Duration { return a.Config().Update.CheckInterval() }, func(ctx context.Context) {
		if _, err := a.CheckUpdate(ctx); err != nil {
			a.logger.Warn("update check failed", "error", err)
		}
	})
}

func (a *Agent) housekeepingLoop() {
	a.every(func() time.Duration { return housekeepingInterval }, func(ctx context.Context) {
		if n := a.reassembler.Prune(); n > 0 {
			a.logger.Debug("expired partial messages", "count", n)
		}
		a.limiter.Prune()
		a.metrics.UpdateUptime()
	})
}

// ApplyConfig switches to next. Settings read at use time follow at once;
// the log level, unlock threshold and update checker are reconfigured here.
// Device drivers, storage paths and listeners need a restart.
func (a *Agent) ApplyConfig(next *config.Config) {
	prev := a.cfg.Swap(next)

	if a.log != nil && next.Logging.Level != prev.Logging.Level {
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			a.log.SetLevel(lvl)
		}
	}
	a.unlock.SetThreshold(next.Tamper.UnlockThreshold)
	if next.Update != prev.Update {
		if err := a.configureUpdates(next.Update); err != nil {
			a.logger.Warn("update checks disabled", "error", err)
		}
	}

	changed := changedSections(prev, next)
	if restart := restartSections(changed); len(restart) > 0 {
		a.logger.Warn("config sections change on restart only", "sections", restart)
	}
	a.audit.Log(context.Background(), logging.AuditEvent{
		EventType: logging.AuditConfigChange,
		Action:    "reload",
		Result:    "success",
		Details:   map[string]any{"sections": changed},
	})
	a.broadcast(ipc.EventConfigChanged, map[string]any{"sections": changed})
	a.logger.Info("configuration reloaded", "sections", changed)
}

// OnConfigChange adapts ApplyConfig to config.Loader.OnChange.
func (a *Agent) OnConfigChange(_, next *config.Config) {
	a.ApplyConfig(next)
}

func changedSections(prev, next *config.Config) []string {
	prevLog, nextLog := prev.Logging, next.Logging
	prevLog.Level, nextLog.Level = "", ""
	prevTamper, nextTamper := prev.Tamper, next.Tamper
	prevTamper.UnlockThreshold, nextTamper.UnlockThreshold = 0, 0

	pairs := []struct {
		name string
		a, b any
	}{
		{"storage", prev.Storage, next.Storage},
		{"logging.level", prev.Logging.Level, next.Logging.Level},
		{"logging", prevLog, nextLog},
		{"audit", prev.Audit, next.Audit},
		{"ipc", prev.IPC, next.IPC},
		{"http", prev.HTTP, next.HTTP},
		{"device", prev.Device, next.Device},
		{"commands", prev.Commands, next.Commands},
		{"tamper.unlock_threshold", prev.Tamper.UnlockThreshold, next.Tamper.UnlockThreshold},
		{"tamper", prevTamper, nextTamper},
		{"ledger", prev.Ledger, next.Ledger},
		{"update", prev.Update, next.Update},
	}
	var out []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.a, p.b) {
			out = append(out, p.name)
		}
	}
	return out
}

func restartSections(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "logging", "audit", "ipc", "http", "device", "commands", "tamper":
			out = append(out, s)
		}
	}
	return out
}
