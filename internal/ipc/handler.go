package ipc

import (
	"context"
	"errors"

	"securetrack/internal/sms"
	"securetrack/internal/store"
	"securetrack/internal/tamper"
)

// ErrUnavailable is returned by a Backend for operations it cannot serve in
// the current state, such as before setup has completed.
var ErrUnavailable = errors.New("ipc: operation unavailable")

// Backend is the daemon state the handler exposes.
type Backend interface {
	Status(ctx context.Context) (*StatusResponse, error)
	RecentCommands(ctx context.Context, limit int) ([]store.CommandLog, error)
	UnlockEvent(ctx context.Context, success bool) (*UnlockEventResponse, error)
	UISignal(ctx context.Context, sig tamper.Signal) (tamper.SignalKind, error)
	ShutdownPin(ctx context.Context, pin string) (tamper.ShutdownDecision, error)
	InjectSMS(ctx context.Context, seg sms.Segment) (*InjectSMSResponse, error)
	StopSiren(ctx context.Context) (bool, error)
}

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500
)

// DaemonHandler decodes requests and forwards them to a Backend.
type DaemonHandler struct {
	backend Backend
}

// NewDaemonHandler creates a handler over backend.
func NewDaemonHandler(backend Backend) *DaemonHandler {
	return &DaemonHandler{backend: backend}
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, msg)
	case MsgRecentCommands:
		return h.handleRecent(ctx, msg)
	case MsgUnlockEvent:
		return h.handleUnlock(ctx, msg)
	case MsgUISignal:
		return h.handleUISignal(ctx, msg)
	case MsgShutdownPin:
		return h.handleShutdownPin(ctx, msg)
	case MsgInjectSMS:
		return h.handleInject(ctx, msg)
	case MsgSirenStop:
		return h.handleSirenStop(ctx, msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "unknown message type: "+msg.Header.Type.String()), nil
	}
}

func (h *DaemonHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	status, err := h.backend.Status(ctx)
	if err != nil {
		return backendError(msg, err), nil
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, status)
}

func (h *DaemonHandler) handleRecent(ctx context.Context, msg *Message) (*Message, error) {
	var req RecentCommandsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	switch {
	case req.Limit <= 0:
		req.Limit = defaultRecentLimit
	case req.Limit > maxRecentLimit:
		req.Limit = maxRecentLimit
	}

	logs, err := h.backend.RecentCommands(ctx, req.Limit)
	if err != nil {
		return backendError(msg, err), nil
	}
	if logs == nil {
		logs = []store.CommandLog{}
	}
	return NewResponse(MsgRecentResponse, msg.Header.RequestID, &RecentCommandsResponse{Commands: logs})
}

func (h *DaemonHandler) handleUnlock(ctx context.Context, msg *Message) (*Message, error) {
	var req UnlockEventRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	resp, err := h.backend.UnlockEvent(ctx, req.Success)
	if err != nil {
		return backendError(msg, err), nil
	}
	return NewResponse(MsgUnlockResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleUISignal(ctx context.Context, msg *Message) (*Message, error) {
	var req UISignalRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Signal.Package == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "signal package is required"), nil
	}
	kind, err := h.backend.UISignal(ctx, req.Signal)
	if err != nil {
		return backendError(msg, err), nil
	}
	return NewResponse(MsgUISignalResponse, msg.Header.RequestID, &UISignalResponse{Kind: kind.String()})
}

func (h *DaemonHandler) handleShutdownPin(ctx context.Context, msg *Message) (*Message, error) {
	var req ShutdownPinRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	decision, err := h.backend.ShutdownPin(ctx, req.Pin)
	if err != nil {
		return backendError(msg, err), nil
	}
	return NewResponse(MsgShutdownResponse, msg.Header.RequestID, &ShutdownPinResponse{Decision: decision.String()})
}

func (h *DaemonHandler) handleInject(ctx context.Context, msg *Message) (*Message, error) {
	var req InjectSMSRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Sender == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "sender is required"), nil
	}
	if req.Total > 1 && (req.Part < 1 || req.Part > req.Total) {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "part out of range"), nil
	}
	resp, err := h.backend.InjectSMS(ctx, sms.Segment{
		Sender: req.Sender,
		Ref:    req.Ref,
		Part:   req.Part,
		Total:  req.Total,
		Text:   req.Body,
	})
	if err != nil {
		return backendError(msg, err), nil
	}
	return NewResponse(MsgInjectResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleSirenStop(ctx context.Context, msg *Message) (*Message, error) {
	stopped, err := h.backend.StopSiren(ctx)
	if err != nil {
		return backendError(msg, err), nil
	}
	resp := &SirenStopResponse{WasActive: stopped, Message: "Siren not active"}
	if stopped {
		resp.Message = "Siren stopped"
	}
	return NewResponse(MsgSirenResponse, msg.Header.RequestID, resp)
}

func backendError(msg *Message, err error) *Message {
	code := ErrInternalError
	if errors.Is(err, ErrUnavailable) {
		code = ErrNotInitialized
	}
	return NewErrorMessage(msg.Header.RequestID, code, err.Error())
}
