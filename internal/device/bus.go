package device

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	propertiesIface    = "org.freedesktop.DBus.Properties"
	propertiesChanged  = propertiesIface + ".PropertiesChanged"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// objecter resolves remote objects. *dbus.Conn satisfies it.
type objecter interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// getProp reads one property into T.
func getProp[T any](obj dbus.BusObject, name string) (T, error) {
	var zero T
	v, err := obj.GetProperty(name)
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", name, err)
	}
	var out T
	if err := dbus.Store([]any{v.Value()}, &out); err != nil {
		return zero, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

// call invokes method and stores the reply into ret.
func call(ctx context.Context, obj dbus.BusObject, method string, ret []any, args ...any) error {
	c := obj.CallWithContext(ctx, method, 0, args...)
	if c.Err != nil {
		return fmt.Errorf("%s: %w", method, c.Err)
	}
	if len(ret) == 0 {
		return nil
	}
	if err := c.Store(ret...); err != nil {
		return fmt.Errorf("%s reply: %w", method, err)
	}
	return nil
}

// validPath reports whether p names an object rather than the "/" null path.
func validPath(p dbus.ObjectPath) bool {
	return p.IsValid() && p != "/"
}
