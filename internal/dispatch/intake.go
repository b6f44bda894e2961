package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"securetrack/internal/authz"
	"securetrack/internal/command"
	"securetrack/internal/logging"
	"securetrack/internal/metrics"
	"securetrack/internal/security"
	"securetrack/internal/sms"
	"securetrack/internal/store"
)

// ReasonThrottled is recorded when a sender is locked out by the limiter.
const ReasonThrottled = "Too many attempts"

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: intake closed")

// Guard reports whether the device accepts remote commands.
type Guard interface {
	Armed(ctx context.Context) (bool, error)
}

// Authorizer decides whether a parsed command may run.
type Authorizer interface {
	Authorize(ctx context.Context, cmd command.Command) authz.Decision
}

// Ledger is the ledger surface the intake writes to.
type Ledger interface {
	Recorder
	Create(ctx context.Context, commandName, sender string) (int64, error)
}

// Outcome describes what Handle did with a message.
type Outcome struct {
	Dropped  bool
	LedgerID int64
	Status   store.CommandStatus
	Message  string
}

// Intake turns inbound messages into ledger rows and dispatches them.
type Intake struct {
	guard      Guard
	authorizer Authorizer
	ledger     Ledger
	dispatcher *Dispatcher
	limiter    *security.FailureLimiter
	audit      *logging.AuditLogger
	metrics    *metrics.SecureTrack
	notify     func(sms.Message, Outcome)
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// IntakeConfig holds the Intake collaborators. Limiter, Audit, Metrics and
// Notify are optional.
type IntakeConfig struct {
	Guard      Guard
	Authorizer Authorizer
	Ledger     Ledger
	Dispatcher *Dispatcher
	Limiter    *security.FailureLimiter
	Audit      *logging.AuditLogger
	Metrics    *metrics.SecureTrack
	// Notify receives the outcome of every message that produced a ledger
	// row.
	Notify func(msg sms.Message, out Outcome)
	Logger *slog.Logger
}

// NewIntake creates an Intake.
func NewIntake(cfg IntakeConfig) *Intake {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		guard:      cfg.Guard,
		authorizer: cfg.Authorizer,
		ledger:     cfg.Ledger,
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.Limiter,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		notify:     cfg.Notify,
		logger:     logger,
	}
}

// Handle processes msg synchronously. Messages are dropped without a ledger
// row when the device is not armed or the text is not a command; every other
// message produces exactly one row that ends in a terminal status, or in
// PROCESSING for a request whose handler completes later.
func (in *Intake) Handle(ctx context.Context, msg sms.Message) (Outcome, error) {
	out, err := in.handle(ctx, msg)
	if err == nil && !out.Dropped && in.notify != nil {
		in.notify(msg, out)
	}
	return out, err
}

func (in *Intake) handle(ctx context.Context, msg sms.Message) (Outcome, error) {
	armed, err := in.guard.Armed(ctx)
	if err != nil {
		in.logger.Warn("protection state unreadable, dropping message", "error", err)
		return Outcome{Dropped: true}, nil
	}
	if !armed {
		in.logger.Debug("protection disabled or setup incomplete, ignoring message")
		if in.metrics != nil {
			in.metrics.CommandsDropped.Inc()
		}
		return Outcome{Dropped: true}, nil
	}

	if !command.IsCommandMessage(msg.Body) {
		return Outcome{Dropped: true}, nil
	}
	cmd, ok := command.Parse(msg.Body)
	if !ok {
		return Outcome{Dropped: true}, nil
	}

	id, err := in.ledger.Create(ctx, cmd.Name(), msg.Sender)
	if err != nil {
		return Outcome{}, err
	}
	if in.metrics != nil {
		in.metrics.CommandsReceived.Inc()
	}
	in.audit.LogCommand(ctx, logging.AuditCommandReceived, cmd.Name(), msg.Sender, id, "received")
	in.logger.Info("command received", "id", id, "command", cmd.Name(), "sender", msg.Sender)

	if in.limiter != nil && in.limiter.IsLocked(msg.Sender) {
		if in.metrics != nil {
			in.metrics.Throttled.Inc()
		}
		return in.refuse(ctx, cmd, msg.Sender, id, store.StatusUnauthorized, ReasonThrottled)
	}

	decision := in.authorizer.Authorize(ctx, cmd)
	if !decision.Allowed() {
		status := store.StatusUnauthorized
		if decision.Outcome == authz.Failed {
			status = store.StatusFailed
		}
		if in.limiter != nil && decision.Outcome == authz.Unauthorized {
			in.limiter.RecordFailure(msg.Sender)
		}
		return in.refuse(ctx, cmd, msg.Sender, id, status, decision.Reason)
	}
	if in.limiter != nil {
		in.limiter.RecordSuccess(msg.Sender)
	}
	in.audit.LogCommand(ctx, logging.AuditCommandDecision, cmd.Name(), msg.Sender, id, decision.Outcome.String())

	res := in.dispatcher.Dispatch(ctx, cmd, msg.Sender, id)
	result := "success"
	if res.Pending {
		result = "pending"
	} else if !res.Success {
		result = "failure"
	}
	in.audit.LogCommand(ctx, logging.AuditCommandCompleted, cmd.Name(), msg.Sender, id, result)

	return Outcome{LedgerID: id, Status: res.Status(), Message: res.Message}, nil
}

// refuse writes a terminal denial. The sender receives no reply.
func (in *Intake) refuse(ctx context.Context, cmd command.Command, sender string, id int64, status store.CommandStatus, reason string) (Outcome, error) {
	in.logger.Warn("command refused", "id", id, "command", cmd.Name(), "sender", sender, "reason", reason)
	in.audit.LogCommand(ctx, logging.AuditCommandDecision, cmd.Name(), sender, id, reason)

	if err := in.ledger.Advance(context.WithoutCancel(ctx), id, status, reason); err != nil {
		return Outcome{LedgerID: id}, err
	}
	return Outcome{LedgerID: id, Status: status, Message: reason}, nil
}

// Submit hands msg to a background goroutine and returns immediately.
func (in *Intake) Submit(ctx context.Context, msg sms.Message) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	in.wg.Add(1)
	in.mu.Unlock()

	go func() {
		defer in.wg.Done()
		if _, err := in.Handle(ctx, msg); err != nil {
			in.logger.Error("message handling failed", "sender", msg.Sender, "error", err)
		}
	}()
	return nil
}

// Close stops accepting submissions and waits for in-flight ones.
func (in *Intake) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.wg.Wait()
}

// Wait blocks until every submitted message has been handled.
func (in *Intake) Wait() {
	in.wg.Wait()
}
