package tamper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"securetrack/internal/capability"
)

// EventKind identifies a device event relevant to tamper detection.
type EventKind int

const (
	// EventSimReady means a SIM became readable, at boot or after a swap.
	EventSimReady EventKind = iota

	// EventAirplaneMode carries the new airplane mode state in On.
	EventAirplaneMode

	// EventUnlockFailed is a rejected unlock attempt.
	EventUnlockFailed

	// EventUnlockSucceeded is an accepted unlock.
	EventUnlockSucceeded

	// EventUISignal carries a foreground window change in Signal.
	EventUISignal

	// EventShutdownRequested means the system is about to power off.
	EventShutdownRequested

	// EventShutdownPin carries a PIN typed at the shutdown prompt.
	EventShutdownPin
)

func (k EventKind) String() string {
	switch k {
	case EventSimReady:
		return "sim_ready"
	case EventAirplaneMode:
		return "airplane_mode"
	case EventUnlockFailed:
		return "unlock_failed"
	case EventUnlockSucceeded:
		return "unlock_succeeded"
	case EventUISignal:
		return "ui_signal"
	case EventShutdownRequested:
		return "shutdown_requested"
	case EventShutdownPin:
		return "shutdown_pin"
	default:
		return "unknown"
	}
}

// ParseEventKind maps a name from String back to its kind.
func ParseEventKind(name string) (EventKind, error) {
	for k := EventSimReady; k <= EventShutdownPin; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("tamper: unknown event kind %q", name)
}

// Event is a single device event.
type Event struct {
	Kind   EventKind
	On     bool
	Signal Signal
	Pin    string
	Time   time.Time
}

// EventSource produces device events.
type EventSource interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}

// ArmedChecker reports whether protection is active.
type ArmedChecker interface {
	Armed(ctx context.Context) (bool, error)
}

// MonitorConfig wires the detectors into a Monitor. Nil detectors are
// skipped.
type MonitorConfig struct {
	Guard      ArmedChecker
	Screen     capability.Screen
	Classifier Classifier
	Sim        *SimDetector
	Airplane   *AirplaneDetector
	Unlock     *UnlockWatcher
	Shutdown   *ShutdownGuard
	Shade      *ShadeSuppressor
	Logger     *slog.Logger
}

// Monitor routes device events to the detectors, one at a time.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	events chan Event

	mu      sync.Mutex
	sources []EventSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "tamper_monitor"),
		events: make(chan Event, 100),
	}
}

// RegisterSource adds a source. Sources registered before Start are
// started with the monitor; later ones are started immediately.
func (m *Monitor) RegisterSource(src EventSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
	if m.ctx == nil {
		return nil
	}
	return m.startSourceLocked(src)
}

func (m *Monitor) startSourceLocked(src EventSource) error {
	if err := src.Start(m.ctx); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.forward(src)
	return nil
}

func (m *Monitor) forward(src EventSource) {
	defer m.wg.Done()
	ch := src.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Emit(ev)
		}
	}
}

// Start begins processing events.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop()

	for _, src := range m.sources {
		if err := m.startSourceLocked(src); err != nil {
			m.logger.Warn("event source failed to start", "error", err)
		}
	}
	m.logger.Info("tamper monitor started", "sources", len(m.sources))
	return nil
}

// Stop stops the sources and waits up to five seconds for the monitor to
// drain.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	sources := m.sources
	m.mu.Unlock()

	for _, src := range sources {
		if err := src.Stop(); err != nil {
			m.logger.Warn("event source stop failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		if m.cfg.Airplane != nil {
			m.cfg.Airplane.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("tamper monitor stop timed out")
	}

	if m.cfg.Shutdown != nil {
		if err := m.cfg.Shutdown.Disarm(); err != nil {
			m.logger.Warn("release shutdown inhibitor failed", "error", err)
		}
	}
	m.logger.Info("tamper monitor stopped")
	return nil
}

// Emit queues an event without blocking. A full queue drops the event.
func (m *Monitor) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("tamper event dropped, queue full", "kind", ev.Kind)
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			if err := m.Handle(m.ctx, ev); err != nil {
				m.logger.Error("tamper event failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Handle processes one event synchronously. Every event except a
// successful unlock is ignored while protection is off.
func (m *Monitor) Handle(ctx context.Context, ev Event) error {
	if ev.Kind == EventUnlockSucceeded {
		if m.cfg.Unlock == nil {
			return nil
		}
		return m.cfg.Unlock.Succeeded(ctx)
	}

	armed, err := m.cfg.Guard.Armed(ctx)
	if err != nil {
		return fmt.Errorf("check armed: %w", err)
	}
	if !armed {
		m.logger.Debug("ignoring event, protection off", "kind", ev.Kind)
		return nil
	}

	switch ev.Kind {
	case EventSimReady:
		if m.cfg.Sim != nil {
			_, err := m.cfg.Sim.Check(ctx)
			return err
		}
	case EventAirplaneMode:
		if m.cfg.Airplane != nil {
			return m.cfg.Airplane.OnChange(ctx, ev.On)
		}
	case EventUnlockFailed:
		if m.cfg.Unlock != nil {
			_, _, err := m.cfg.Unlock.Failed(ctx)
			return err
		}
	case EventUISignal:
		return m.handleSignal(ctx, ev.Signal)
	case EventShutdownRequested:
		if m.cfg.Shutdown != nil {
			m.cfg.Shutdown.Intercept(ctx)
		}
	case EventShutdownPin:
		if m.cfg.Shutdown != nil {
			d := m.cfg.Shutdown.Attempt(ctx, ev.Pin)
			m.logger.Info("shutdown prompt", "decision", d)
		}
	default:
		return fmt.Errorf("tamper: unknown event kind %d", ev.Kind)
	}
	return nil
}

func (m *Monitor) handleSignal(ctx context.Context, sig Signal) error {
	if m.cfg.Screen == nil {
		return nil
	}
	locked, err := m.cfg.Screen.Locked(ctx)
	if err != nil {
		return fmt.Errorf("read lock state: %w", err)
	}
	if !locked {
		return nil
	}

	switch m.cfg.Classifier.Classify(sig) {
	case SignalPowerMenu:
		if m.cfg.Shutdown != nil {
			m.cfg.Shutdown.Intercept(ctx)
		}
	case SignalShade:
		if m.cfg.Shade != nil {
			m.cfg.Shade.Suppress(ctx)
		}
	}
	return nil
}
