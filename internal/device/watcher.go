package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"securetrack/internal/sms"
	"securetrack/internal/tamper"
)

// signalBus is the part of *dbus.Conn the Watcher needs.
type signalBus interface {
	objecter
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// InboundFunc receives every complete inbound SMS.
type InboundFunc func(ctx context.Context, msg sms.Message)

// Watcher turns system bus signals into tamper events, inbound messages and
// location updates. It implements tamper.EventSource.
type Watcher struct {
	bus     signalBus
	modem   *Modem
	locator *Locator
	radio   *Radio
	inbound InboundFunc
	logger  *slog.Logger

	events  chan tamper.Event
	signals chan *dbus.Signal

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWatcher creates a Watcher. Any of modem, locator, radio and inbound may
// be nil to skip the signals that feed it.
func NewWatcher(bus signalBus, modem *Modem, locator *Locator, radio *Radio, inbound InboundFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		bus:     bus,
		modem:   modem,
		locator: locator,
		radio:   radio,
		inbound: inbound,
		logger:  logger.With("component", "dbus"),
		events:  make(chan tamper.Event, 32),
		signals: make(chan *dbus.Signal, 64),
	}
}

func (w *Watcher) matches() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{dbus.WithMatchInterface(mmMessagingIface), dbus.WithMatchMember("Added")},
		{dbus.WithMatchInterface(propertiesIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(mmPath)},
		{dbus.WithMatchInterface(propertiesIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchObjectPath(nmPath)},
		{dbus.WithMatchInterface(ldManagerIface), dbus.WithMatchMember("PrepareForShutdown")},
		{dbus.WithMatchInterface(ldSessionIface), dbus.WithMatchMember("Unlock")},
		{dbus.WithMatchInterface(gcClientIface), dbus.WithMatchMember("LocationUpdated")},
	}
}

// Start subscribes to the bus signals.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	for _, m := range w.matches() {
		if err := w.bus.AddMatchSignal(m...); err != nil {
			return err
		}
	}
	w.bus.Signal(w.signals)

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop unsubscribes and waits for in-flight handlers.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.bus.RemoveSignal(w.signals)
	var errs []error
	for _, m := range w.matches() {
		errs = append(errs, w.bus.RemoveMatchSignal(m...))
	}
	w.wg.Wait()
	return errors.Join(errs...)
}

// Events returns the tamper event stream.
func (w *Watcher) Events() <-chan tamper.Event {
	return w.events
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-w.signals:
			if !ok {
				return
			}
			w.route(ctx, sig)
		}
	}
}

func (w *Watcher) emit(ev tamper.Event) {
	ev.Time = time.Now()
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("event queue full, dropping", "kind", ev.Kind)
	}
}

func (w *Watcher) route(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case mmMessagingIface + ".Added":
		var path dbus.ObjectPath
		var received bool
		if dbus.Store(sig.Body, &path, &received) != nil || !received || w.modem == nil || w.inbound == nil {
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			msg, err := w.modem.ReadMessage(ctx, path)
			if err != nil {
				w.logger.Warn("read inbound sms", "path", path, "error", err)
				return
			}
			w.inbound(ctx, msg)
		}()

	case propertiesChanged:
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if dbus.Store(sig.Body, &iface, &changed, &invalidated) != nil {
			return
		}
		switch iface {
		case mmModemIface:
			if _, ok := changed["Sim"]; ok {
				w.emit(tamper.Event{Kind: tamper.EventSimReady})
			}
		case nmIface:
			if w.radio == nil || !radioChanged(changed) {
				return
			}
			on, err := w.radio.AirplaneMode(ctx)
			if err != nil {
				w.logger.Warn("read airplane mode", "error", err)
				return
			}
			w.emit(tamper.Event{Kind: tamper.EventAirplaneMode, On: on})
		}

	case ldPrepareForShutdown:
		var start bool
		if dbus.Store(sig.Body, &start) == nil && start {
			w.emit(tamper.Event{Kind: tamper.EventShutdownRequested})
		}

	case ldSessionUnlock:
		w.emit(tamper.Event{Kind: tamper.EventUnlockSucceeded})

	case gcLocationSignal:
		var prev, next dbus.ObjectPath
		if w.locator == nil || dbus.Store(sig.Body, &prev, &next) != nil {
			return
		}
		if err := w.locator.Update(next); err != nil {
			w.logger.Warn("read location", "error", err)
		}
	}
}
