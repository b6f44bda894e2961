// Package device binds the capability interfaces to a Linux handset: the
// system bus services (ModemManager, GeoClue2, logind, NetworkManager) and
// configured helper commands for the camera, audio, haptics and shell.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"securetrack/internal/capability"
	"securetrack/internal/config"
	"securetrack/internal/logging"
	"securetrack/internal/sms"
	"securetrack/internal/tamper"
)

// Drivers.
const (
	DriverDBus = "dbus"
	DriverNone = "none"
)

// Device holds one implementation per capability.
type Device struct {
	Admin      capability.Admin
	Camera     capability.Camera
	Microphone capability.Microphone
	Locator    capability.Locator
	Dialer     capability.Dialer
	Audio      capability.Audio
	Vibrator   capability.Vibrator
	Radio      capability.Radio
	Screen     capability.Screen
	Shade      capability.Shade
	Power      capability.Power
	Presenter  capability.Presenter
	Sim        capability.SimReader
	Transport  sms.Transport

	// Events streams bus-derived tamper events; nil without a bus.
	Events tamper.EventSource

	closeOnce sync.Once
	closers   []func() error
}

// Open builds a Device for cfg. inbound receives SMS delivered by the modem.
func Open(ctx context.Context, cfg config.DeviceConfig, inbound InboundFunc, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "device")

	d := newCommandDevice(cfg, ExecRunner{}, logger)
	switch cfg.Driver {
	case DriverNone, "":
		logger.Info("device driver disabled, bus capabilities unavailable")
		return d, nil
	case DriverDBus:
	default:
		return nil, fmt.Errorf("device: unknown driver %q", cfg.Driver)
	}

	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	d.closers = append(d.closers, conn.Close)
	d.attachBus(conn, ExecRunner{}, cfg, inbound, logger)
	return d, nil
}

// newCommandDevice fills every capability from helper commands or
// Unavailable.
func newCommandDevice(cfg config.DeviceConfig, r Runner, logger *slog.Logger) *Device {
	var none capability.Unavailable
	presenter := NewCommandPresenter(r, cfg.FakeShutdownCommand, logger)
	audio := NewCommandAudio(r, cfg.VolumeGetCommand, cfg.VolumeSetCommand, cfg.SirenCommand, cfg.MaxVolume, logger)
	vibrator := NewCommandVibrator(r, cfg.VibrateCommand, logger)
	d := &Device{
		Admin:      none,
		Camera:     &CommandCamera{Runner: r, Command: cfg.CameraCommand},
		Microphone: none,
		Locator:    none,
		Dialer:     none,
		Audio:      audio,
		Vibrator:   vibrator,
		Radio:      none,
		Screen:     none,
		Shade: &CommandShade{
			Runner:          r,
			CollapseCommand: cfg.CollapseCommand,
			HomeCommand:     cfg.HomeCommand,
			BackCommand:     cfg.BackCommand,
		},
		Power:     none,
		Presenter: presenter,
		Sim:       none,
		Transport: &LogTransport{Logger: logger},
	}
	d.closers = append(d.closers,
		func() error { presenter.Dismiss(); return nil },
		func() error { return audio.StopPlayback(context.Background()) },
		func() error { return vibrator.Cancel(context.Background()) },
	)
	return d
}

func (d *Device) attachBus(bus signalBus, r Runner, cfg config.DeviceConfig, inbound InboundFunc, logger *slog.Logger) {
	modem := NewModem(bus, logger)
	locator := NewLocator(bus, "securetrack")
	radio := NewRadio(bus)
	logind := NewLogind(bus, "", r, cfg.WipeCommand)

	d.Admin = logind
	d.Screen = logind
	d.Power = logind
	d.Locator = locator
	d.Dialer = modem
	d.Sim = modem
	d.Transport = modem
	d.Radio = radio
	d.Events = NewWatcher(bus, modem, locator, radio, inbound, logger)

	// Close runs closers in reverse, so the GeoClue client stops before
	// the bus connection closes.
	d.closers = append(d.closers, func() error { return locator.Stop(context.Background()) })
}

// Grants lists the capabilities that report a grant, keyed by name, for
// health checks and status output.
func (d *Device) Grants() map[string]capability.Grant {
	return map[string]capability.Grant{
		"admin":     d.Admin,
		"camera":    d.Camera,
		"location":  d.Locator,
		"phone":     d.Dialer,
		"audio":     d.Audio,
		"vibrator":  d.Vibrator,
		"radio":     d.Radio,
		"shade":     d.Shade,
		"power":     d.Power,
		"presenter": d.Presenter,
	}
}

// Close stops helpers and closes the bus connection.
func (d *Device) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.Events != nil {
			errs = append(errs, d.Events.Stop())
		}
		for i := len(d.closers) - 1; i >= 0; i-- {
			errs = append(errs, d.closers[i]())
		}
	})
	return errors.Join(errs...)
}

// LogTransport logs outbound messages instead of sending them. It serves
// the "none" driver.
type LogTransport struct {
	Logger *slog.Logger

	mu   sync.Mutex
	sent []sms.Message
}

func (t *LogTransport) SendParts(ctx context.Context, to string, parts []string) error {
	t.mu.Lock()
	for _, p := range parts {
		t.sent = append(t.sent, sms.Message{Sender: to, Body: p})
	}
	t.mu.Unlock()
	t.Logger.Info("outbound sms", "to", logging.MaskAddress(to), "parts", len(parts))
	return nil
}

// Sent returns the parts logged so far, with Sender holding the recipient.
func (t *LogTransport) Sent() []sms.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sms.Message(nil), t.sent...)
}
