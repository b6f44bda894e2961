// Package agent assembles the securetrack daemon from its components and
// runs the background tasks that keep it armed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"securetrack/internal/action"
	"securetrack/internal/authz"
	"securetrack/internal/command"
	"securetrack/internal/config"
	"securetrack/internal/contacts"
	"securetrack/internal/credential"
	"securetrack/internal/device"
	"securetrack/internal/dispatch"
	"securetrack/internal/health"
	"securetrack/internal/httpapi"
	"securetrack/internal/ipc"
	"securetrack/internal/ledger"
	"securetrack/internal/logging"
	"securetrack/internal/metrics"
	"securetrack/internal/security"
	"securetrack/internal/sms"
	"securetrack/internal/store"
	"securetrack/internal/tamper"
	"securetrack/internal/update"
)

const (
	housekeepingInterval = time.Minute
	minFreeBytes         = 50 << 20
)

// Options configures an Agent. Only Config is required.
type Options struct {
	Config  *config.Config
	Version string
	// VersionCode is compared with the update manifest.
	VersionCode int

	// Log, when set, has its level adjusted on config reload.
	Log    *logging.Logger
	Logger *slog.Logger

	// Audit is used as given; nil opens the log named by Config.Audit.
	Audit   *logging.AuditLogger
	Metrics *metrics.SecureTrack

	// Device is used as given; nil opens the driver named by Config.Device.
	Device *device.Device

	// CredentialOptions are passed to credential.New.
	CredentialOptions []credential.Option
}

// Agent owns every component of the daemon.
type Agent struct {
	version     string
	versionCode int
	cfg         atomic.Pointer[config.Config]
	log         *logging.Logger
	logger      *slog.Logger
	audit       *logging.AuditLogger
	ownAudit    bool
	metrics     *metrics.SecureTrack

	store       *store.Store
	creds       *credential.Store
	ledger      *ledger.Ledger
	contacts    *contacts.Service
	dev         *device.Device
	outbox      *sms.Outbox
	reassembler *sms.Reassembler
	limiter     *security.FailureLimiter
	intake      *dispatch.Intake
	locate      *action.Locate
	capture     *action.Capture
	siren       *action.Siren
	classifier  *tamper.KeywordClassifier
	unlock      *tamper.UnlockWatcher
	shutdown    *tamper.ShutdownGuard
	monitor     *tamper.Monitor
	health      *health.Checker
	ipc         *ipc.Server
	http        *httpapi.Server

	updateMu   sync.Mutex
	updater    *update.Checker
	lastUpdate *update.Result

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New opens the store and device and wires the components. Nothing runs
// until Start.
func New(ctx context.Context, opts Options) (a *Agent, err error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("agent: config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil && opts.Log != nil {
		logger = opts.Log.Logger
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewSecureTrack(metrics.NewRegistry("securetrack"))
	}

	a = &Agent{
		version:     opts.Version,
		versionCode: opts.VersionCode,
		log:         opts.Log,
		logger:      logger.With("component", "agent"),
		audit:       opts.Audit,
		metrics:     m,
	}
	a.cfg.Store(cfg)
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if a.audit == nil && cfg.Audit.Enabled {
		ac := logging.DefaultAuditConfig()
		ac.FilePath = cfg.Audit.FilePath
		ac.MaxSize = int64(cfg.Audit.MaxSizeMB)
		ac.MaxAge = cfg.Audit.MaxAgeDays
		ac.MaxBackups = cfg.Audit.MaxBackups
		if a.audit, err = logging.NewAuditLogger(ac); err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.ownAudit = true
	}

	if a.store, err = store.Open(cfg.Storage.Path); err != nil {
		return nil, err
	}
	key, err := security.LoadOrCreateKey(cfg.Storage.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	a.creds, err = credential.New(a.store, key, opts.CredentialOptions...)
	security.Wipe(key)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.New(a.store, ledger.WithLogger(logger), ledger.WithMetrics(m))
	a.contacts = contacts.NewService(a.store, a.audit, logger)

	a.dev = opts.Device
	if a.dev == nil {
		if a.dev, err = device.Open(ctx, cfg.Device, a.inbound, logger); err != nil {
			return nil, err
		}
	}

	if err := a.buildCommands(cfg, logger); err != nil {
		return nil, err
	}
	a.buildTamper(cfg, logger)
	a.buildHealth(cfg)

	if cfg.IPC.Enabled {
		if err := a.buildIPC(cfg, logger); err != nil {
			return nil, err
		}
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Options{
			Listen:  cfg.HTTP.Listen,
			Ledger:  a.store,
			Status:  a.Status,
			Health:  a.health,
			Metrics: m.Registry(),
			Logger:  logger,
		})
	}
	if err := a.configureUpdates(cfg.Update); err != nil {
		a.logger.Warn("update checks disabled", "error", err)
	}
	return a, nil
}

func (a *Agent) buildCommands(cfg *config.Config, logger *slog.Logger) error {
	a.outbox = sms.NewOutbox(a.dev.Transport, logger, a.metrics)
	a.reassembler = sms.NewReassembler(cfg.Commands.ReassemblyWindow())

	a.locate = action.NewLocate(a.dev.Locator, a.outbox, a.ledger, action.LocateConfig{
		Timeout:   cfg.Commands.LocateTimeout(),
		Freshness: cfg.Commands.FixFreshness(),
		Logger:    logger,
		Metrics:   a.metrics,
	})
	a.siren = action.NewSiren(a.dev.Audio, a.dev.Vibrator, logger, a.metrics)

	handlers := map[command.Kind]dispatch.Handler{
		command.KindLocate:    a.locate,
		command.KindSiren:     a.siren.StartHandler(),
		command.KindStopSiren: a.siren.StopHandler(),
		command.KindLock:      action.Lock(a.dev.Admin),
		command.KindCallMe:    action.CallMe(a.dev.Dialer, logger),
		command.KindWipe:      action.Wipe(a.dev.Admin, a.creds, logger),
	}
	dispatcher, err := dispatch.New(handlers, a.ledger, logger)
	if err != nil {
		return err
	}

	rl := cfg.Commands.RateLimit
	a.limiter = security.NewFailureLimiter(
		time.Duration(rl.BaseDelayMs)*time.Millisecond,
		time.Duration(rl.MaxDelaySec)*time.Second,
		time.Duration(rl.ResetMinutes)*time.Minute,
		rl.MaxFailures,
		time.Duration(rl.LockMinutes)*time.Minute,
	)

	a.intake = dispatch.NewIntake(dispatch.IntakeConfig{
		Guard:      a.creds,
		Authorizer: authz.New(a.creds),
		Ledger:     a.ledger,
		Dispatcher: dispatcher,
		Limiter:    a.limiter,
		Audit:      a.audit,
		Metrics:    a.metrics,
		Notify:     a.commandEvent,
		Logger:     logger,
	})
	return nil
}

func (a *Agent) buildTamper(cfg *config.Config, logger *slog.Logger) {
	tc := cfg.Tamper
	obs := &tamper.Observer{
		Audit:   a.audit,
		Metrics: a.metrics,
		Logger:  logger.With("component", "tamper"),
		Notify:  a.tamperEvent,
	}
	alerter := tamper.NewAlerter(a.contacts, a.outbox, logger)
	a.capture = action.NewCapture(a.dev.Camera, a.locate, a.ledger, action.CaptureConfig{
		Dir:    cfg.Storage.IntruderDir,
		Source: action.LocationSource(tc.IntruderLocation),
		Audit:  a.audit,
		Logger: logger,
	})

	a.classifier = tamper.DefaultClassifier()
	if len(tc.PowerKeywords) > 0 {
		a.classifier.PowerText = tc.PowerKeywords
	}
	if len(tc.ShadePackages) > 0 {
		a.classifier.ShadePackages = tc.ShadePackages
	}
	if len(tc.ShadeClasses) > 0 {
		a.classifier.ShadeClasses = tc.ShadeClasses
	}

	a.unlock = tamper.NewUnlockWatcher(a.creds, a.capture, tc.UnlockThreshold, obs)
	a.shutdown = tamper.NewShutdownGuard(a.creds, a.dev.Presenter, a.dev.Shade, a.dev.Power, a.locate, alerter,
		tamper.ShutdownConfig{MaxAttempts: tc.ShutdownAttempts, AllowWindow: tc.ShutdownAllowWindow()}, obs)

	a.monitor = tamper.NewMonitor(tamper.MonitorConfig{
		Guard:      a.creds,
		Screen:     a.dev.Screen,
		Classifier: a.classifier,
		Sim:        tamper.NewSimDetector(a.creds, a.dev.Sim, alerter, a.locate, obs),
		Airplane:   tamper.NewAirplaneDetector(a.creds, a.dev.Radio, alerter, tc.ReversalAttempts, tc.ReversalBackoff(), obs),
		Unlock:     a.unlock,
		Shutdown:   a.shutdown,
		Shade:      tamper.NewShadeSuppressor(a.dev.Shade, tc.ShadeDebounce(), logger),
		Logger:     logger,
	})
	if a.dev.Events != nil {
		a.monitor.RegisterSource(a.dev.Events)
	}
}

func (a *Agent) buildHealth(cfg *config.Config) {
	a.health = health.NewChecker()
	a.health.RegisterFunc("database", true, health.DatabaseCheck(a.store))
	a.health.RegisterFunc("key_file", true, health.KeyFileCheck(cfg.Storage.KeyPath))
	a.health.RegisterFunc("disk", false, health.DiskSpaceCheck(cfg.Storage.IntruderDir, minFreeBytes))
	a.health.RegisterFunc("capabilities", false, health.CapabilityCheck(a.dev.Grants()))
}

func (a *Agent) buildIPC(cfg *config.Config, logger *slog.Logger) error {
	mode, err := cfg.IPC.FileMode()
	if err != nil {
		return err
	}
	sc := ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Version:        a.version,
		Mode:           mode,
		IdleTimeout:    cfg.IPC.Timeout(),
		MaxConnections: cfg.IPC.MaxConnections,
		AllowedUIDs:    cfg.IPC.AllowedUIDs,
	}
	a.ipc = ipc.NewServer(sc, ipc.NewDaemonHandler(a), nil, logger)
	return nil
}

func (a *Agent) configureUpdates(uc config.UpdateConfig) error {
	a.updateMu.Lock()
	defer a.updateMu.Unlock()
	a.updater = nil
	if !uc.Enabled || uc.ManifestURL == "" {
		return nil
	}
	c, err := update.NewChecker(uc.ManifestURL, a.versionCode, update.NewClient(uc.Timeout()), a.logger)
	if err != nil {
		return err
	}
	a.updater = c
	return nil
}

// Config returns the configuration in effect.
func (a *Agent) Config() *config.Config {
	return a.cfg.Load()
}

// Credentials returns the credential store.
func (a *Agent) Credentials() *credential.Store { return a.creds }

// Contacts returns the emergency contact service.
func (a *Agent) Contacts() *contacts.Service { return a.contacts }

// Ledger returns the command ledger.
func (a *Agent) Ledger() *ledger.Ledger { return a.ledger }

// Store returns the database.
func (a *Agent) Store() *store.Store { return a.store }

// Health returns the health checker.
func (a *Agent) Health() *health.Checker { return a.health }

// HTTPAddr returns the bound status API address, or "" when disabled.
func (a *Agent) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Start runs the monitor, the control surfaces and the periodic tasks, then
// re-arms protection.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()

	if err := a.monitor.Start(a.ctx); err != nil {
		return fmt.Errorf("start tamper monitor: %w", err)
	}
	if a.ipc != nil {
		if err := a.ipc.Start(); err != nil {
			a.monitor.Stop()
			return fmt.Errorf("start ipc: %w", err)
		}
	}
	if a.http != nil {
		if err := a.http.Start(); err != nil {
			a.logger.Error("http api not started", "error", err)
			a.http = nil
		}
	}

	a.Rearm(a.ctx)

	a.wg.Add(3)
	go a.purgeLoop()
	go a.updateLoop()
	go a.housekeepingLoop()

	a.health.Check(a.ctx)
	a.health.SetReady(true)
	a.audit.LogLifecycle(a.ctx, logging.AuditStartup, map[string]any{"version": a.version})
	a.logger.Info("agent started", "version", a.version)
	return nil
}

// Rearm restores protection after a restart: the shutdown inhibitor is taken
// and the SIM and airplane state are checked as if they had just changed.
// It does nothing unless setup is complete and protection is enabled.
func (a *Agent) Rearm(ctx context.Context) bool {
	armed, err := a.creds.Armed(ctx)
	if err != nil {
		a.logger.Error("read protection state", "error", err)
		return false
	}
	if !armed {
		a.logger.Info("protection not armed, detectors idle")
		return false
	}

	if err := a.shutdown.Arm(ctx); err != nil {
		a.logger.Warn("shutdown inhibitor unavailable", "error", err)
	}
	a.monitor.Emit(tamper.Event{Kind: tamper.EventSimReady})
	if a.dev.Radio.Granted(ctx) {
		if on, err := a.dev.Radio.AirplaneMode(ctx); err == nil && on {
			a.monitor.Emit(tamper.Event{Kind: tamper.EventAirplaneMode, On: true})
		}
	}
	a.logger.Info("protection re-armed")
	return true
}

// Stop shuts everything down in reverse order. It is safe to call more than
// once.
func (a *Agent) Stop() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.SetReady(false)
		a.broadcast(ipc.EventDaemonShutdown, nil)

		if a.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.http.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if a.ipc != nil {
			if err := a.ipc.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.ctx != nil {
			if err := a.monitor.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		a.intake.Close()
		if a.capture != nil {
			a.capture.Wait()
		}
		a.locate.Wait()
		if err := a.siren.Stop(context.Background()); err != nil {
			a.logger.Debug("siren stop on shutdown", "error", err)
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		a.audit.LogLifecycle(context.Background(), logging.AuditShutdown, nil)
		errs = append(errs, a.closeResources())
		a.logger.Info("agent stopped")
	})
	return errors.Join(errs...)
}

func (a *Agent) closeResources() error {
	var errs []error
	if a.dev != nil {
		errs = append(errs, a.dev.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.ownAudit {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}

// inbound receives modem deliveries.
func (a *Agent) inbound(ctx context.Context, msg sms.Message) {
	if err := a.intake.Submit(ctx, msg); err != nil {
		a.logger.Warn("inbound sms dropped", "sender", msg.Sender, "error", err)
	}
}

func (a *Agent) broadcast(typ ipc.EventType, data map[string]any) {
	if a.ipc == nil {
		return
	}
	a.ipc.Broadcast(&ipc.Event{Type: typ, Timestamp: time.Now(), Data: data})
}

func (a *Agent) commandEvent(msg sms.Message, out dispatch.Outcome) {
	a.broadcast(ipc.EventCommand, map[string]any{
		"ledger_id": out.LedgerID,
		"status":    string(out.Status),
		"message":   out.Message,
		"sender":    logging.MaskAddress(msg.Sender),
	})
}

func (a *Agent) tamperEvent(detector string, details map[string]any) {
	data := map[string]any{"detector": detector}
	for k, v := range details {
		data[k] = v
	}
	a.broadcast(ipc.EventTamper, data)
}
