package metrics

import (
	"sync"
	"time"
)

// SecureTrack groups the agent's metrics.
type SecureTrack struct {
	registry  *Registry
	startTime time.Time

	CommandsReceived *Counter
	CommandsDropped  *Counter
	Throttled        *Counter

	SmsSent      *Counter
	SmsFailed    *Counter
	SmsSegments  *Counter
	AlertsSent   *Counter
	AlertsFailed *Counter

	LocateDuration *Histogram
	LocateTimeouts *Counter
	SirenActive    *Gauge

	IntruderCaptures *Counter
	LedgerPurged     *Counter

	Uptime *Gauge
}

// NewSecureTrack registers the agent metrics on registry.
func NewSecureTrack(registry *Registry) *SecureTrack {
	return &SecureTrack{
		registry:  registry,
		startTime: time.Now(),

		CommandsReceived: registry.Counter("commands_received_total", "Command messages accepted for processing", nil),
		CommandsDropped:  registry.Counter("commands_dropped_total", "Messages dropped because the device is not armed", nil),
		Throttled:        registry.Counter("commands_throttled_total", "Commands refused because the sender is locked out", nil),

		SmsSent:      registry.Counter("sms_sent_total", "Outbound messages handed to the modem", nil),
		SmsFailed:    registry.Counter("sms_failed_total", "Outbound messages the modem rejected", nil),
		SmsSegments:  registry.Counter("sms_segments_total", "Outbound segments", nil),
		AlertsSent:   registry.Counter("alerts_sent_total", "Alert deliveries to emergency contacts", nil),
		AlertsFailed: registry.Counter("alerts_failed_total", "Alert deliveries that failed", nil),

		LocateDuration: registry.Histogram("locate_duration_seconds", "Time to resolve a locate request", nil, DurationBuckets),
		LocateTimeouts: registry.Counter("locate_timeouts_total", "Locate requests that timed out", nil),
		SirenActive:    registry.Gauge("siren_active", "1 while the siren is sounding", nil),

		IntruderCaptures: registry.Counter("intruder_captures_total", "Covert captures taken", nil),
		LedgerPurged:     registry.Counter("ledger_purged_total", "Ledger rows removed by retention", nil),

		Uptime: registry.Gauge("uptime_seconds", "Seconds since the agent started", nil),
	}
}

// Registry returns the underlying registry.
func (m *SecureTrack) Registry() *Registry {
	return m.registry
}

// CommandStatus counts a command reaching status, labelled by kind.
func (m *SecureTrack) CommandStatus(kind, status string) {
	m.registry.Counter("command_status_total", "Ledger transitions by command and status",
		Labels{"command": kind, "status": status}).Inc()
}

// Tamper counts a tamper detection, labelled by detector.
func (m *SecureTrack) Tamper(detector string) {
	m.registry.Counter("tamper_events_total", "Tamper detections by detector",
		Labels{"detector": detector}).Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *SecureTrack) UpdateUptime() {
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

var (
	defaultMetrics     *SecureTrack
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide metrics on a "securetrack" registry.
func Default() *SecureTrack {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewSecureTrack(NewRegistry("securetrack"))
	})
	return defaultMetrics
}
