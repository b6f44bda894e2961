// Package command implements the SMS command protocol: a fixed set of
// prefixed, PIN-bearing instructions such as "#LOCATE_135790".
package command

import (
	"fmt"
	"strings"
)

// Kind identifies a remote command.
type Kind int

const (
	KindLocate Kind = iota
	KindSiren
	KindStopSiren
	KindLock
	KindCallMe
	KindWipe

	numKinds
)

// Standard and wipe credential lengths.
const (
	PinLength     = 6
	WipePinLength = 8
)

type kindSpec struct {
	name        string
	prefix      string
	pinLength   int
	description string
}

// kindSpecs is indexed by Kind. Every per-kind table in the module derives
// from this one.
var kindSpecs = [...]kindSpec{
	KindLocate:    {"LOCATE", "#LOCATE_", PinLength, "Get device GPS location"},
	KindSiren:     {"SIREN", "#SIREN_", PinLength, "Trigger emergency alarm"},
	KindStopSiren: {"STOP_SIREN", "#STOPSIREN_", PinLength, "Stop emergency alarm"},
	KindLock:      {"LOCK", "#LOCK_", PinLength, "Lock device screen"},
	KindCallMe:    {"CALLME", "#CALLME_", PinLength, "Force call to emergency number"},
	KindWipe:      {"WIPE", "#WIPE_", WipePinLength, "Factory reset device (requires separate PIN)"},
}

// Fails to compile when a Kind is added without a kindSpecs entry.
var _ = [1]struct{}{}[len(kindSpecs)-int(numKinds)]

func init() {
	if err := checkDisjoint(); err != nil {
		panic(err)
	}
}

// checkDisjoint reports an error if any prefix is a prefix of another, which
// would make a literal prefix scan ambiguous.
func checkDisjoint() error {
	for i, a := range kindSpecs {
		for j, b := range kindSpecs {
			if i != j && strings.HasPrefix(b.prefix, a.prefix) {
				return fmt.Errorf("command: prefix %q shadows %q", a.prefix, b.prefix)
			}
		}
	}
	return nil
}

// Kinds returns every command kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Valid reports whether k is a declared kind.
func (k Kind) Valid() bool {
	return k >= 0 && k < numKinds
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindSpecs[k].name
}

// Prefix returns the wire prefix, including the leading '#' and trailing '_'.
func (k Kind) Prefix() string {
	if !k.Valid() {
		return ""
	}
	return kindSpecs[k].prefix
}

// PinLength returns the number of digits the kind's credential must have.
func (k Kind) PinLength() int {
	if !k.Valid() {
		return 0
	}
	return kindSpecs[k].pinLength
}

// Description is the human readable summary shown in help text.
func (k Kind) Description() string {
	if !k.Valid() {
		return ""
	}
	return kindSpecs[k].description
}

// RequiresWipePin reports whether the kind is authorized by the wipe PIN
// rather than the standard PIN.
func (k Kind) RequiresWipePin() bool {
	return k == KindWipe
}

// ParseKind maps a ledger command name such as "STOP_SIREN" back to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for k, spec := range kindSpecs {
		if spec.name == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("command: unknown kind %q", name)
}
