package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType classifies audit records.
type AuditEventType string

// Audit event types.
const (
	AuditCommandReceived   AuditEventType = "command_received"
	AuditCommandDecision   AuditEventType = "command_decision"
	AuditCommandCompleted  AuditEventType = "command_completed"
	AuditTamperDetected    AuditEventType = "tamper_detected"
	AuditCredentialChanged AuditEventType = "credential_changed"
	AuditContactChanged    AuditEventType = "contact_changed"
	AuditCapture           AuditEventType = "covert_capture"
	AuditWipe              AuditEventType = "wipe"
	AuditConfigChange      AuditEventType = "config_change"
	AuditStartup           AuditEventType = "startup"
	AuditShutdown          AuditEventType = "shutdown"
)

// AuditEvent is one JSON line in the audit log.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Sender    string         `json:"sender,omitempty"`
	LedgerID  int64          `json:"ledger_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns the default audit log configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		FilePath:   filepath.Join(filepath.Dir(defaultLogPath()), "audit.log"),
		MaxSize:    10,
		MaxAge:     365,
		MaxBackups: 10,
		Compress:   true,
		Component:  "securetrack",
	}
}

// AuditLogger appends security-relevant events as JSON lines. Senders are
// masked before they are written.
type AuditLogger struct {
	config  *AuditConfig
	rotator *FileRotator
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger opens the audit log described by cfg.
func NewAuditLogger(cfg *AuditConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{config: cfg, rotator: rotator, now: time.Now}, nil
}

// Log writes event, filling timestamp, component and request ID. A nil
// AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Sender != "" {
		event.Sender = MaskAddress(event.Sender)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogCommand records receipt or a decision for a ledger row.
func (a *AuditLogger) LogCommand(ctx context.Context, typ AuditEventType, command, sender string, ledgerID int64, result string) error {
	return a.Log(ctx, AuditEvent{
		EventType: typ,
		Action:    command,
		Result:    result,
		Sender:    sender,
		LedgerID:  ledgerID,
	})
}

// LogTamper records a tamper detector firing.
func (a *AuditLogger) LogTamper(ctx context.Context, signal string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditTamperDetected,
		Action:    signal,
		Result:    "detected",
		Details:   details,
	})
}

// LogCredentialChange records a credential or flag change.
func (a *AuditLogger) LogCredentialChange(ctx context.Context, what string, err error) error {
	event := AuditEvent{EventType: AuditCredentialChanged, Action: what, Result: "success"}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogLifecycle records daemon startup or shutdown.
func (a *AuditLogger) LogLifecycle(ctx context.Context, typ AuditEventType, details map[string]any) error {
	return a.Log(ctx, AuditEvent{EventType: typ, Action: string(typ), Result: "success", Details: details})
}

// Close closes the audit log.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.rotator.Close()
}

// Path returns the audit log location.
func (a *AuditLogger) Path() string {
	return a.config.FilePath
}

// ReadAuditEvents parses an audit log file. Malformed lines are skipped.
func ReadAuditEvents(path string) ([]AuditEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []AuditEvent
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		var e AuditEvent
		if len(line) > 0 && json.Unmarshal(line, &e) == nil {
			events = append(events, e)
		}
	}
	return events, nil
}
