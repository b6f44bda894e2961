package device

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

// NetworkManager names.
const (
	nmService = "org.freedesktop.NetworkManager"
	nmPath    = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface   = "org.freedesktop.NetworkManager"
)

// Radio reports and reverses airplane mode through NetworkManager. The
// device is in airplane mode when both WWAN and Wi-Fi are disabled.
type Radio struct {
	bus objecter
}

// NewRadio creates a Radio on bus.
func NewRadio(bus objecter) *Radio {
	return &Radio{bus: bus}
}

func (r *Radio) object() dbus.BusObject {
	return r.bus.Object(nmService, nmPath)
}

func (r *Radio) Granted(ctx context.Context) bool {
	_, err := getProp[bool](r.object(), nmIface+".WwanHardwareEnabled")
	return err == nil
}

func (r *Radio) AirplaneMode(ctx context.Context) (bool, error) {
	wwan, err := getProp[bool](r.object(), nmIface+".WwanEnabled")
	if err != nil {
		return false, err
	}
	wifi, err := getProp[bool](r.object(), nmIface+".WirelessEnabled")
	if err != nil {
		return false, err
	}
	return !wwan && !wifi, nil
}

// DisableAirplaneMode enables WWAN and Wi-Fi.
func (r *Radio) DisableAirplaneMode(ctx context.Context) error {
	obj := r.object()
	return errors.Join(
		obj.SetProperty(nmIface+".WwanEnabled", dbus.MakeVariant(true)),
		obj.SetProperty(nmIface+".WirelessEnabled", dbus.MakeVariant(true)),
	)
}

// radioChanged reports whether a NetworkManager PropertiesChanged payload
// touches the radio switches.
func radioChanged(changed map[string]dbus.Variant) bool {
	_, wwan := changed["WwanEnabled"]
	_, wifi := changed["WirelessEnabled"]
	return wwan || wifi
}
