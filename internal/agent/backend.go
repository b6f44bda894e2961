package agent

import (
	"context"
	"time"

	"securetrack/internal/ipc"
	"securetrack/internal/sms"
	"securetrack/internal/store"
	"securetrack/internal/tamper"
)

var _ ipc.Backend = (*Agent)(nil)

var ledgerStatuses = []store.CommandStatus{
	store.StatusReceived,
	store.StatusProcessing,
	store.StatusSuccess,
	store.StatusFailed,
	store.StatusUnauthorized,
}

// Status reports the protection state for the control surfaces.
func (a *Agent) Status(ctx context.Context) (*ipc.StatusResponse, error) {
	setup, err := a.creds.SetupComplete(ctx)
	if err != nil {
		return nil, err
	}
	protection, err := a.creds.ProtectionEnabled(ctx)
	if err != nil {
		return nil, err
	}
	wipe, err := a.creds.WipeEnabled(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := a.creds.TamperState(ctx)
	if err != nil {
		return nil, err
	}
	list, err := a.contacts.List(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(ledgerStatuses))
	for _, st := range ledgerStatuses {
		n, err := a.ledger.CountByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		counts[string(st)] = n
	}

	a.health.Check(ctx)
	resp := &ipc.StatusResponse{
		Version:           a.version,
		StartedAt:         a.startedAt,
		SetupComplete:     setup,
		ProtectionEnabled: protection,
		Armed:             setup && protection,
		WipeEnabled:       wipe,
		SirenActive:       a.siren.Active(),
		SimBound:          ts.OriginalSimIdentity != "",
		FailedUnlocks:     ts.FailedUnlockAttempts,
		Contacts:          len(list),
		CommandCounts:     counts,
		Health:            string(a.health.OverallStatus()),
	}
	if !a.startedAt.IsZero() {
		resp.Uptime = time.Since(a.startedAt)
	}
	return resp, nil
}

// RecentCommands returns the newest ledger rows.
func (a *Agent) RecentCommands(ctx context.Context, limit int) ([]store.CommandLog, error) {
	return a.ledger.Recent(ctx, limit)
}

// UnlockEvent records a lock screen result reported by the session hook.
// Failures are counted only while protection is armed.
func (a *Agent) UnlockEvent(ctx context.Context, success bool) (*ipc.UnlockEventResponse, error) {
	if success {
		if err := a.unlock.Succeeded(ctx); err != nil {
			return nil, err
		}
		return &ipc.UnlockEventResponse{}, nil
	}

	armed, err := a.creds.Armed(ctx)
	if err != nil {
		return nil, err
	}
	if !armed {
		return &ipc.UnlockEventResponse{}, nil
	}
	count, captured, err := a.unlock.Failed(ctx)
	if err != nil {
		return nil, err
	}
	return &ipc.UnlockEventResponse{FailedCount: count, Captured: captured}, nil
}

// UISignal classifies a foreground window change and lets the monitor act
// on it.
func (a *Agent) UISignal(ctx context.Context, sig tamper.Signal) (tamper.SignalKind, error) {
	kind := a.classifier.Classify(sig)
	if err := a.monitor.Handle(ctx, tamper.Event{Kind: tamper.EventUISignal, Signal: sig, Time: time.Now()}); err != nil {
		return kind, err
	}
	return kind, nil
}

// ShutdownPin checks a PIN entered at the shutdown prompt.
func (a *Agent) ShutdownPin(ctx context.Context, pin string) (tamper.ShutdownDecision, error) {
	armed, err := a.creds.Armed(ctx)
	if err != nil {
		return tamper.ShutdownDenied, err
	}
	if !armed {
		return tamper.ShutdownAllowed, nil
	}
	return a.shutdown.Attempt(ctx, pin), nil
}

// InjectSMS feeds one segment through reassembly and, once the message is
// complete, through the intake.
func (a *Agent) InjectSMS(ctx context.Context, seg sms.Segment) (*ipc.InjectSMSResponse, error) {
	msg, ok := a.reassembler.Add(seg)
	if !ok {
		return &ipc.InjectSMSResponse{Pending: true}, nil
	}
	out, err := a.intake.Handle(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &ipc.InjectSMSResponse{
		Dropped:  out.Dropped,
		LedgerID: out.LedgerID,
		Status:   string(out.Status),
		Message:  out.Message,
	}, nil
}

// StopSiren silences the siren and reports whether it was sounding.
func (a *Agent) StopSiren(ctx context.Context) (bool, error) {
	if !a.siren.Active() {
		return false, nil
	}
	if err := a.siren.Stop(ctx); err != nil {
		a.logger.Warn("siren stop incomplete", "error", err)
	}
	return true, nil
}
