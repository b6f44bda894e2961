package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"securetrack/internal/sms"
)

// ModemManager names.
const (
	mmService        = "org.freedesktop.ModemManager1"
	mmPath           = dbus.ObjectPath("/org/freedesktop/ModemManager1")
	mmModemIface     = "org.freedesktop.ModemManager1.Modem"
	mmMessagingIface = mmModemIface + ".Messaging"
	mmVoiceIface     = mmModemIface + ".Voice"
	mmSimIface       = "org.freedesktop.ModemManager1.Sim"
	mmSmsIface       = "org.freedesktop.ModemManager1.Sms"
	mmCallIface      = "org.freedesktop.ModemManager1.Call"

	// MM_SMS_STATE_RECEIVED
	smsStateReceived = 3
)

// ErrNoModem is returned when ModemManager exposes no modem.
var ErrNoModem = errors.New("device: no modem")

// Modem drives the first ModemManager modem for SMS, calls and SIM
// identity.
type Modem struct {
	bus    objecter
	logger *slog.Logger

	mu   sync.Mutex
	path dbus.ObjectPath

	// settle bounds how long a multipart message may stay in the
	// receiving state.
	settle time.Duration
}

// NewModem creates a Modem on bus.
func NewModem(bus objecter, logger *slog.Logger) *Modem {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Modem{bus: bus, logger: logger, settle: 10 * time.Second}
}

// modemPath returns the cached modem path, discovering it on first use.
func (m *Modem) modemPath(ctx context.Context) (dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		return m.path, nil
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := call(ctx, m.bus.Object(mmService, mmPath), objectManagerIface+".GetManagedObjects", []any{&objects})
	if err != nil {
		return "", err
	}
	var paths []string
	for p, ifaces := range objects {
		if _, ok := ifaces[mmModemIface]; ok {
			paths = append(paths, string(p))
		}
	}
	if len(paths) == 0 {
		return "", ErrNoModem
	}
	sort.Strings(paths)
	m.path = dbus.ObjectPath(paths[0])
	m.logger.Debug("using modem", "path", m.path)
	return m.path, nil
}

// Forget drops the cached modem path, for example after the modem object
// was removed.
func (m *Modem) Forget() {
	m.mu.Lock()
	m.path = ""
	m.mu.Unlock()
}

func (m *Modem) object(ctx context.Context) (dbus.BusObject, error) {
	p, err := m.modemPath(ctx)
	if err != nil {
		return nil, err
	}
	return m.bus.Object(mmService, p), nil
}

func (m *Modem) Granted(ctx context.Context) bool {
	_, err := m.modemPath(ctx)
	return err == nil
}

// SimIdentifier returns the ICCID of the inserted SIM, or "" when there is
// none.
func (m *Modem) SimIdentifier(ctx context.Context) (string, error) {
	obj, err := m.object(ctx)
	if err != nil {
		return "", err
	}
	simPath, err := getProp[dbus.ObjectPath](obj, mmModemIface+".Sim")
	if err != nil {
		return "", err
	}
	if !validPath(simPath) {
		return "", nil
	}
	return getProp[string](m.bus.Object(mmService, simPath), mmSimIface+".SimIdentifier")
}

// OwnNumber returns the first subscriber number, or "".
func (m *Modem) OwnNumber(ctx context.Context) (string, error) {
	obj, err := m.object(ctx)
	if err != nil {
		return "", err
	}
	numbers, err := getProp[[]string](obj, mmModemIface+".OwnNumbers")
	if err != nil || len(numbers) == 0 {
		return "", err
	}
	return numbers[0], nil
}

// SendParts sends each part as its own SMS and deletes it from modem
// storage afterwards.
func (m *Modem) SendParts(ctx context.Context, to string, parts []string) error {
	obj, err := m.object(ctx)
	if err != nil {
		return err
	}
	for i, part := range parts {
		props := map[string]dbus.Variant{
			"number": dbus.MakeVariant(to),
			"text":   dbus.MakeVariant(part),
		}
		var smsPath dbus.ObjectPath
		if err := call(ctx, obj, mmMessagingIface+".Create", []any{&smsPath}, props); err != nil {
			return fmt.Errorf("part %d: %w", i+1, err)
		}
		err := call(ctx, m.bus.Object(mmService, smsPath), mmSmsIface+".Send", nil)
		if derr := call(ctx, obj, mmMessagingIface+".Delete", nil, smsPath); derr != nil {
			m.logger.Debug("delete sent sms", "error", derr)
		}
		if err != nil {
			return fmt.Errorf("part %d: %w", i+1, err)
		}
	}
	return nil
}

// Call dials number on the voice interface.
func (m *Modem) Call(ctx context.Context, number string) error {
	obj, err := m.object(ctx)
	if err != nil {
		return err
	}
	var callPath dbus.ObjectPath
	props := map[string]dbus.Variant{"number": dbus.MakeVariant(number)}
	if err := call(ctx, obj, mmVoiceIface+".CreateCall", []any{&callPath}, props); err != nil {
		return err
	}
	return call(ctx, m.bus.Object(mmService, callPath), mmCallIface+".Start", nil)
}

// ReadMessage waits for the SMS at path to finish receiving and returns it.
// The message is deleted from modem storage once read.
func (m *Modem) ReadMessage(ctx context.Context, path dbus.ObjectPath) (sms.Message, error) {
	obj := m.bus.Object(mmService, path)

	deadline := time.Now().Add(m.settle)
	for {
		state, err := getProp[uint32](obj, mmSmsIface+".State")
		if err != nil {
			return sms.Message{}, err
		}
		if state == smsStateReceived {
			break
		}
		if time.Now().After(deadline) {
			return sms.Message{}, fmt.Errorf("sms %s stuck in state %d", path, state)
		}
		select {
		case <-ctx.Done():
			return sms.Message{}, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	number, err := getProp[string](obj, mmSmsIface+".Number")
	if err != nil {
		return sms.Message{}, err
	}
	text, err := getProp[string](obj, mmSmsIface+".Text")
	if err != nil {
		return sms.Message{}, err
	}
	msg := sms.Message{Sender: number, Body: text, Received: time.Now()}
	if ts, err := getProp[string](obj, mmSmsIface+".Timestamp"); err == nil {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Received = t
		}
	}

	if mobj, err := m.object(ctx); err == nil {
		if err := call(ctx, mobj, mmMessagingIface+".Delete", nil, path); err != nil {
			m.logger.Debug("delete received sms", "error", err)
		}
	}
	return msg, nil
}
