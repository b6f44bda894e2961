package tamper

import "strings"

// Signal is a system UI event as reported by the shell.
type Signal struct {
	Package     string   `json:"package"`
	ClassName   string   `json:"class_name"`
	Text        []string `json:"text,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SignalKind is what a Signal means for tamper protection.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalPowerMenu
	SignalShade
)

func (k SignalKind) String() string {
	switch k {
	case SignalPowerMenu:
		return "power_menu"
	case SignalShade:
		return "shade"
	default:
		return "none"
	}
}

// Classifier maps UI signals to tamper signal kinds.
type Classifier interface {
	Classify(s Signal) SignalKind
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(Signal) SignalKind

// Classify calls f.
func (f ClassifierFunc) Classify(s Signal) SignalKind { return f(s) }

// KeywordClassifier matches case-insensitive substrings.
type KeywordClassifier struct {
	// PowerText matches the visible text of a power menu.
	PowerText []string
	// PowerDescriptions matches the content description of a power menu.
	PowerDescriptions []string
	// ShadePackages are the shell packages that own the notification shade.
	ShadePackages []string
	// ShadeClasses are window classes of the shade.
	ShadeClasses []string
	// ShadeDescriptions match a shade's content description.
	ShadeDescriptions []string
}

// DefaultClassifier returns the stock keyword tables.
func DefaultClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		PowerText:         []string{"power off", "shut down", "restart", "emergency mode"},
		PowerDescriptions: []string{"power off", "shut down"},
		ShadePackages:     []string{"com.android.systemui", "sm.puri.phosh"},
		ShadeClasses: []string{
			"StatusBarWindowView",
			"NotificationShadeWindowView",
			"PhoneStatusBarView",
			"FrameLayout",
		},
		ShadeDescriptions: []string{"notification", "shade"},
	}
}

func containsAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Classify checks for a power menu first, in any package, then for the
// shade within the shell packages.
func (c *KeywordClassifier) Classify(s Signal) SignalKind {
	for _, text := range s.Text {
		if containsAny(text, c.PowerText) {
			return SignalPowerMenu
		}
	}
	if containsAny(s.Description, c.PowerDescriptions) {
		return SignalPowerMenu
	}

	shell := false
	for _, p := range c.ShadePackages {
		if strings.EqualFold(s.Package, p) {
			shell = true
			break
		}
	}
	if !shell || s.ClassName == "" {
		return SignalNone
	}
	if containsAny(s.ClassName, c.ShadeClasses) || containsAny(s.Description, c.ShadeDescriptions) {
		return SignalShade
	}
	return SignalNone
}
