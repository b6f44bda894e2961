package action

import (
	"context"
	"log/slog"

	"securetrack/internal/capability"
	"securetrack/internal/dispatch"
)

// WipeFlag reports whether the wipe feature is enabled.
type WipeFlag interface {
	WipeEnabled(ctx context.Context) (bool, error)
}

// Lock returns the LOCK handler. A missing admin grant is a hard failure.
func Lock(admin capability.Admin) dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, _ dispatch.Request) (dispatch.Result, error) {
		if !admin.Granted(ctx) {
			return dispatch.Failed("Device admin not active"), nil
		}
		if err := admin.Lock(ctx); err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Succeeded("Device locked"), nil
	})
}

// CallMe returns the CALLME handler. The call is placed in the background
// and not confirmed.
func CallMe(dialer capability.Dialer, logger *slog.Logger) dispatch.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return dispatch.HandlerFunc(func(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
		if !dialer.Granted(ctx) {
			return dispatch.Failed("Call permission not granted"), nil
		}
		go func(ctx context.Context, number string) {
			if err := dialer.Call(ctx, number); err != nil {
				logger.Error("call back failed", "number", number, "error", err)
			}
		}(context.WithoutCancel(ctx), req.Sender)
		return dispatch.Succeeded("Call initiated to " + req.Sender), nil
	})
}

// Wipe returns the WIPE handler. The flag and the admin grant are checked
// again at execution because either may have changed since authorization.
func Wipe(admin capability.Admin, flag WipeFlag, logger *slog.Logger) dispatch.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return dispatch.HandlerFunc(func(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
		enabled, err := flag.WipeEnabled(ctx)
		if err != nil || !enabled {
			return dispatch.Failed("Wipe feature is disabled"), nil
		}
		if !admin.Granted(ctx) {
			return dispatch.Failed("Device admin not active for wipe"), nil
		}

		logger.Warn("factory wipe starting", "id", req.LedgerID, "sender", req.Sender)
		if err := admin.Wipe(ctx); err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Succeeded("Wipe initiated"), nil
	})
}
