package store

import "time"

// CommandStatus is the lifecycle state of a ledger row.
type CommandStatus string

const (
	StatusReceived     CommandStatus = "RECEIVED"
	StatusProcessing   CommandStatus = "PROCESSING"
	StatusSuccess      CommandStatus = "SUCCESS"
	StatusFailed       CommandStatus = "FAILED"
	StatusUnauthorized CommandStatus = "UNAUTHORIZED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []CommandStatus{
	StatusReceived, StatusProcessing, StatusSuccess, StatusFailed, StatusUnauthorized,
}

// Valid reports whether s is a known status.
func (s CommandStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s CommandStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusUnauthorized
}

// Predecessors returns the statuses a row may hold immediately before moving
// to s. RECEIVED -> UNAUTHORIZED | FAILED | PROCESSING, PROCESSING -> SUCCESS |
// FAILED. FAILED is reachable from RECEIVED for requests refused before
// execution, such as a disabled wipe.
func (s CommandStatus) Predecessors() []CommandStatus {
	switch s {
	case StatusProcessing, StatusUnauthorized:
		return []CommandStatus{StatusReceived}
	case StatusSuccess:
		return []CommandStatus{StatusProcessing}
	case StatusFailed:
		return []CommandStatus{StatusReceived, StatusProcessing}
	default:
		return nil
	}
}

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CommandLog is one ledger row.
type CommandLog struct {
	ID            int64         `json:"id"`
	CommandName   string        `json:"command_name"`
	Sender        string        `json:"sender"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Status        CommandStatus `json:"status"`
	ResultMessage string        `json:"result_message,omitempty"`
	Location      *Coordinates  `json:"location,omitempty"`
}

// IntruderLog records one covert capture.
type IntruderLog struct {
	ID         int64        `json:"id"`
	ImagePath  string       `json:"image_path"`
	CapturedAt time.Time    `json:"captured_at"`
	Location   string       `json:"location"`
	Coords     *Coordinates `json:"coords,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// EmergencyContact receives tamper alerts.
type EmergencyContact struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	IsPrimary   bool      `json:"is_primary"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
