package command

import (
	"fmt"
	"strings"
)

// Command is a parsed inbound instruction. A Command with Valid == false
// still carries its Kind so the failure can be logged against it.
type Command struct {
	Kind  Kind
	Pin   string
	Raw   string
	Valid bool
}

// Name returns the ledger name of the command kind.
func (c Command) Name() string {
	return c.Kind.String()
}

// normalize uppercases and trims inbound text.
func normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func matchPrefix(text string) (Kind, bool) {
	for k, spec := range kindSpecs {
		if strings.HasPrefix(text, spec.prefix) {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsCommandMessage reports whether raw starts with a known command prefix.
// It does not look at the credential.
func IsCommandMessage(raw string) bool {
	_, ok := matchPrefix(normalize(raw))
	return ok
}

// Parse translates raw message text into a Command. The boolean is false when
// no prefix matches; a recognized prefix with a malformed PIN yields a
// Command with Valid set to false.
func Parse(raw string) (Command, bool) {
	text := normalize(raw)
	kind, ok := matchPrefix(text)
	if !ok {
		return Command{}, false
	}

	pin := strings.TrimSpace(text[len(kind.Prefix()):])
	return Command{
		Kind:  kind,
		Pin:   pin,
		Raw:   raw,
		Valid: len(pin) == kind.PinLength() && allDigits(pin),
	}, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Help returns the command reference, one line per kind.
func Help() string {
	var b strings.Builder
	b.WriteString("SecureTrack SMS Commands:\n")
	for _, k := range Kinds() {
		fmt.Fprintf(&b, "\n%s<%d-digit PIN>\n  %s\n", k.Prefix(), k.PinLength(), k.Description())
	}
	return b.String()
}
