// Package dispatch routes authorized commands to their action handlers and
// guarantees every ledger row reaches a terminal status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"securetrack/internal/command"
	"securetrack/internal/ledger"
	"securetrack/internal/store"
)

// ErrMissingHandler is returned by New when a command kind has no handler.
var ErrMissingHandler = errors.New("dispatch: missing handler")

const msgLedgerFailed = "Ledger update failed"

// Request is one authorized command ready to execute.
type Request struct {
	Command  command.Command
	Sender   string
	LedgerID int64
}

// Result is the normalized outcome of a handler.
type Result struct {
	Success bool
	Message string
	// Pending means the handler accepted the request and will write the
	// terminal ledger status itself.
	Pending bool
}

// Succeeded returns a successful Result.
func Succeeded(msg string) Result { return Result{Success: true, Message: msg} }

// Failed returns a failed Result.
func Failed(msg string) Result { return Result{Message: msg} }

// Accepted returns a Pending Result.
func Accepted(msg string) Result { return Result{Success: true, Message: msg, Pending: true} }

// Status maps r to the ledger status it implies.
func (r Result) Status() store.CommandStatus {
	switch {
	case r.Pending:
		return store.StatusProcessing
	case r.Success:
		return store.StatusSuccess
	default:
		return store.StatusFailed
	}
}

// Handler executes one command kind.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Recorder is the ledger surface the dispatcher writes to.
type Recorder interface {
	Advance(ctx context.Context, id int64, status store.CommandStatus, message string) error
}

// Dispatcher runs handlers.
type Dispatcher struct {
	handlers map[command.Kind]Handler
	ledger   Recorder
	logger   *slog.Logger
}

// New creates a Dispatcher. handlers must cover every command kind.
func New(handlers map[command.Kind]Handler, ledger Recorder, logger *slog.Logger) (*Dispatcher, error) {
	for _, k := range command.Kinds() {
		if handlers[k] == nil {
			return nil, fmt.Errorf("%w for %s", ErrMissingHandler, k)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	hs := make(map[command.Kind]Handler, len(handlers))
	for k, h := range handlers {
		hs[k] = h
	}
	return &Dispatcher{handlers: hs, ledger: ledger, logger: logger}, nil
}

// Dispatch moves ledger row id to PROCESSING, runs the handler for cmd and
// writes the terminal status. A Pending result leaves the terminal write to
// the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command, sender string, id int64) Result {
	// Ledger writes must land even if the caller's context is gone.
	wctx := context.WithoutCancel(ctx)

	if err := d.ledger.Advance(wctx, id, store.StatusProcessing, ""); err != nil {
		d.logger.Error("ledger advance failed", "id", id, "command", cmd.Name(), "error", err)
		res := Failed(msgLedgerFailed)
		// A row that is no longer RECEIVED already belongs to someone else.
		if !errors.Is(err, ledger.ErrInvalidTransition) {
			if ferr := d.ledger.Advance(wctx, id, store.StatusFailed, res.Message); ferr != nil {
				d.logger.Error("ledger completion failed", "id", id, "command", cmd.Name(), "error", ferr)
			}
		}
		return res
	}

	req := Request{Command: cmd, Sender: sender, LedgerID: id}
	res := d.run(ctx, req)
	if res.Pending {
		d.logger.Info("command accepted", "id", id, "command", cmd.Name())
		return res
	}

	if err := d.ledger.Advance(wctx, id, res.Status(), res.Message); err != nil {
		d.logger.Error("ledger completion failed", "id", id, "command", cmd.Name(), "error", err)
	}
	d.logger.Info("command executed", "id", id, "command", cmd.Name(), "success", res.Success, "message", res.Message)
	return res
}

func (d *Dispatcher) run(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "command", req.Command.Name(), "panic", r, "stack", string(debug.Stack()))
			res = Failed(fmt.Sprintf("Execution failed: %v", r))
		}
	}()

	h := d.handlers[req.Command.Kind]
	if h == nil {
		return Failed("Execution failed: no handler")
	}

	res, err := h.Handle(ctx, req)
	if err != nil {
		return Failed("Execution failed: " + err.Error())
	}
	return res
}
