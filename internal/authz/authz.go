// Package authz decides whether a parsed command may run.
package authz

import (
	"context"

	"securetrack/internal/command"
)

// Outcome is the authorization verdict.
type Outcome int

const (
	Authorized Outcome = iota
	// Unauthorized covers malformed and wrong credentials.
	Unauthorized
	// Failed covers well-formed requests refused by device policy, such as
	// a wipe while the wipe feature is disabled.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case Unauthorized:
		return "unauthorized"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Denial reasons recorded in the ledger.
const (
	ReasonInvalidFormat   = "Invalid PIN format"
	ReasonWipeDisabled    = "Wipe feature disabled"
	ReasonInvalidWipePin  = "Invalid wipe PIN"
	ReasonInvalidPin      = "Invalid PIN"
	ReasonPolicyReadError = "Credential store unavailable"
)

// Decision is the result of Authorize.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Allowed reports whether the command may run.
func (d Decision) Allowed() bool {
	return d.Outcome == Authorized
}

// Verifier is the subset of the credential store the authorizer reads.
type Verifier interface {
	VerifyPin(ctx context.Context, candidate string) bool
	VerifyWipePin(ctx context.Context, candidate string) bool
	WipeEnabled(ctx context.Context) (bool, error)
}

// Authorizer checks commands against stored credentials.
type Authorizer struct {
	creds Verifier
}

// New creates an Authorizer.
func New(creds Verifier) *Authorizer {
	return &Authorizer{creds: creds}
}

// Authorize decides whether cmd may run. Malformed commands are refused
// before the credential store is consulted. WIPE needs the wipe feature
// enabled and the wipe PIN; every other kind needs the standard PIN.
func (a *Authorizer) Authorize(ctx context.Context, cmd command.Command) Decision {
	if !cmd.Valid {
		return Decision{Outcome: Unauthorized, Reason: ReasonInvalidFormat}
	}

	if cmd.Kind.RequiresWipePin() {
		enabled, err := a.creds.WipeEnabled(ctx)
		if err != nil {
			return Decision{Outcome: Failed, Reason: ReasonPolicyReadError}
		}
		if !enabled {
			return Decision{Outcome: Failed, Reason: ReasonWipeDisabled}
		}
		if !a.creds.VerifyWipePin(ctx, cmd.Pin) {
			return Decision{Outcome: Unauthorized, Reason: ReasonInvalidWipePin}
		}
		return Decision{Outcome: Authorized}
	}

	if !a.creds.VerifyPin(ctx, cmd.Pin) {
		return Decision{Outcome: Unauthorized, Reason: ReasonInvalidPin}
	}
	return Decision{Outcome: Authorized}
}
