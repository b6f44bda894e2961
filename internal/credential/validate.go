package credential

import "securetrack/internal/command"

// Master password length bounds. The upper bound is the bcrypt input limit.
const (
	MinMasterPasswordLength = 8
	MaxMasterPasswordLength = 72
)

var blockedPins = map[string]bool{
	"000000": true, "111111": true, "222222": true, "333333": true, "444444": true,
	"555555": true, "666666": true, "777777": true, "888888": true, "999999": true,
	"123456": true, "654321": true, "012345": true, "543210": true,
	"123123": true, "456456": true, "789789": true, "121212": true, "343434": true,
}

// ValidPin reports whether pin is acceptable as the standard PIN: six
// digits, not on the denylist and not a strictly ascending or descending run.
func ValidPin(pin string) bool {
	if len(pin) != command.PinLength || !digitsOnly(pin) {
		return false
	}
	if blockedPins[pin] {
		return false
	}
	return !monotonicRun(pin)
}

// ValidWipePin reports whether pin is acceptable as the wipe PIN.
func ValidWipePin(pin string) bool {
	return len(pin) == command.WipePinLength && digitsOnly(pin)
}

// ValidMasterPassword reports whether password length is within bounds.
func ValidMasterPassword(password string) bool {
	return len(password) >= MinMasterPasswordLength && len(password) <= MaxMasterPasswordLength
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// monotonicRun reports whether every digit differs from the previous one by
// exactly +1, or by exactly -1.
func monotonicRun(s string) bool {
	if len(s) < 2 {
		return false
	}
	step := int(s[1]) - int(s[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(s); i++ {
		if int(s[i])-int(s[i-1]) != step {
			return false
		}
	}
	return true
}
