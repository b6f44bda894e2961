// Package credential holds the device secrets (standard PIN, wipe PIN,
// master password), the protection flags and the tamper-tracking state.
// Every value is sealed before it reaches the backing key-value store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"securetrack/internal/security"
)

// Preference keys.
const (
	KeyPinHash              = "pin_hash"
	KeyWipePinHash          = "wipe_pin_hash"
	KeyMasterPasswordHash   = "master_password_hash"
	KeyOriginalSimICCID     = "original_sim_iccid"
	KeySetupComplete        = "setup_complete"
	KeyProtectionEnabled    = "protection_enabled"
	KeyWipeEnabled          = "wipe_enabled"
	KeyAirplaneModeDetected = "airplane_mode_detected"
	KeyFailedUnlockAttempts = "failed_unlock_attempts"
)

// Credential errors
var (
	ErrWeakPin             = errors.New("credential: PIN must be 6 digits and not a simple pattern")
	ErrInvalidWipePin      = errors.New("credential: wipe PIN must be 8 digits")
	ErrWeakMasterPassword  = errors.New("credential: master password must be 8 to 72 characters")
	ErrWrongCredential     = errors.New("credential: current credential does not match")
	ErrAlreadySetUp        = errors.New("credential: setup already complete")
	ErrNotSetUp            = errors.New("credential: setup not complete")
	ErrWipePinNotSet       = errors.New("credential: wipe PIN not set")
	ErrStoreUnavailable    = errors.New("credential: store unavailable")
	errSealedValueTampered = errors.New("credential: sealed value failed authentication")
)

// Backend persists opaque sealed values by key. GetSecret returns nil for a
// missing key.
type Backend interface {
	GetSecret(ctx context.Context, key string) ([]byte, error)
	PutSecret(ctx context.Context, key string, value []byte) error
	DeleteSecret(ctx context.Context, key string) error
	ClearSecrets(ctx context.Context) error
}

// TamperState is the tamper-tracking subset of the store.
type TamperState struct {
	FailedUnlockAttempts int    `json:"failed_unlock_attempts"`
	AirplaneModeDetected bool   `json:"airplane_mode_detected"`
	OriginalSimIdentity  string `json:"original_sim_identity,omitempty"`
}

// SetupRequest carries the first-run secrets. WipePin is optional.
type SetupRequest struct {
	Pin            string
	WipePin        string
	MasterPassword string
}

// Store is the process-wide credential store. All operations are serialized.
type Store struct {
	mu         sync.Mutex
	backend    Backend
	sealer     *security.Sealer
	bcryptCost int
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the bcrypt cost used for the master password.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.bcryptCost = cost }
}

// New creates a store sealing values with a key derived from masterKey.
func New(backend Backend, masterKey []byte, opts ...Option) (*Store, error) {
	key, err := security.DeriveKeyWithLabel(masterKey, "credential-store", security.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	defer security.Wipe(key)

	sealer, err := security.NewSealer(key)
	if err != nil {
		return nil, err
	}

	s := &Store{backend: backend, sealer: sealer, bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	sealed, err := s.backend.GetSecret(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sealed == nil {
		return "", false, nil
	}
	plain, err := s.sealer.Open(sealed, []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", errSealedValueTampered, key)
	}
	return string(plain), true, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal([]byte(value), []byte(key))
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	if err := s.backend.PutSecret(ctx, key, sealed); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) getBool(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) putBool(ctx context.Context, key string, v bool) error {
	return s.put(ctx, key, strconv.FormatBool(v))
}

func (s *Store) getInt(ctx context.Context, key string) (int, error) {
	v, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// verifyPinKey fails closed: any storage or format error reads as a mismatch.
func (s *Store) verifyPinKey(ctx context.Context, key, candidate string) bool {
	stored, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return false
	}
	match, err := verifyPinDigest(stored, candidate)
	return err == nil && match
}

func (s *Store) verifyMaster(ctx context.Context, candidate string) bool {
	stored, ok, err := s.get(ctx, KeyMasterPasswordHash)
	if err != nil || !ok {
		return false
	}
	return verifyPasswordDigest(stored, candidate)
}

// VerifyPin reports whether candidate matches the standard PIN.
func (s *Store) VerifyPin(ctx context.Context, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyPinKey(ctx, KeyPinHash, candidate)
}

// VerifyWipePin reports whether candidate matches the wipe PIN.
func (s *Store) VerifyWipePin(ctx context.Context, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyPinKey(ctx, KeyWipePinHash, candidate)
}

// VerifyMasterPassword reports whether candidate matches the master password.
func (s *Store) VerifyMasterPassword(ctx context.Context, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyMaster(ctx, candidate)
}

func (s *Store) setPin(ctx context.Context, pin string) error {
	if !ValidPin(pin) {
		return ErrWeakPin
	}
	digest, err := pinDigest(pin)
	if err != nil {
		return err
	}
	return s.put(ctx, KeyPinHash, digest)
}

func (s *Store) setWipePin(ctx context.Context, pin string) error {
	if !ValidWipePin(pin) {
		return ErrInvalidWipePin
	}
	digest, err := pinDigest(pin)
	if err != nil {
		return err
	}
	return s.put(ctx, KeyWipePinHash, digest)
}

func (s *Store) setMasterPassword(ctx context.Context, password string) error {
	if !ValidMasterPassword(password) {
		return ErrWeakMasterPassword
	}
	digest, err := passwordDigest(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash master password: %w", err)
	}
	return s.put(ctx, KeyMasterPasswordHash, digest)
}

// SetPin replaces the standard PIN. The stored value is untouched when pin
// fails validation.
func (s *Store) SetPin(ctx context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPin(ctx, pin)
}

// SetWipePin replaces the wipe PIN. The stored value is untouched when pin
// fails validation.
func (s *Store) SetWipePin(ctx context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setWipePin(ctx, pin)
}

// SetMasterPassword replaces the master password. The stored value is
// untouched when password fails validation.
func (s *Store) SetMasterPassword(ctx context.Context, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMasterPassword(ctx, password)
}

// Setup stores the first-run secrets and marks setup complete. It fails once
// setup has completed; later changes go through the Change methods.
func (s *Store) Setup(ctx context.Context, req SetupRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done, err := s.getBool(ctx, KeySetupComplete, false)
	if err != nil {
		return err
	}
	if done {
		return ErrAlreadySetUp
	}

	// Validate everything before the first write.
	if !ValidPin(req.Pin) {
		return ErrWeakPin
	}
	if !ValidMasterPassword(req.MasterPassword) {
		return ErrWeakMasterPassword
	}
	if req.WipePin != "" && !ValidWipePin(req.WipePin) {
		return ErrInvalidWipePin
	}

	if err := s.setMasterPassword(ctx, req.MasterPassword); err != nil {
		return err
	}
	if req.WipePin != "" {
		if err := s.setWipePin(ctx, req.WipePin); err != nil {
			return err
		}
	}
	if err := s.setPin(ctx, req.Pin); err != nil {
		return err
	}
	return s.putBool(ctx, KeySetupComplete, true)
}

// ChangePin replaces the standard PIN after checking the current one.
func (s *Store) ChangePin(ctx context.Context, current, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyPinKey(ctx, KeyPinHash, current) {
		return ErrWrongCredential
	}
	return s.setPin(ctx, next)
}

// ChangeWipePin replaces the wipe PIN after checking the master password.
func (s *Store) ChangeWipePin(ctx context.Context, masterPassword, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyMaster(ctx, masterPassword) {
		return ErrWrongCredential
	}
	return s.setWipePin(ctx, next)
}

// ChangeMasterPassword replaces the master password after checking the
// current one.
func (s *Store) ChangeMasterPassword(ctx context.Context, current, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyMaster(ctx, current) {
		return ErrWrongCredential
	}
	return s.setMasterPassword(ctx, next)
}

// SetupComplete reports whether first-run setup has finished.
func (s *Store) SetupComplete(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBool(ctx, KeySetupComplete, false)
}

// ProtectionEnabled reports whether remote commands and tamper detection
// are armed. Defaults to true.
func (s *Store) ProtectionEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBool(ctx, KeyProtectionEnabled, true)
}

// Armed reports whether setup is complete and protection is enabled.
func (s *Store) Armed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done, err := s.getBool(ctx, KeySetupComplete, false)
	if err != nil || !done {
		return false, err
	}
	return s.getBool(ctx, KeyProtectionEnabled, true)
}

// SetProtectionEnabled arms or disarms protection.
func (s *Store) SetProtectionEnabled(ctx context.Context, masterPassword string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyMaster(ctx, masterPassword) {
		return ErrWrongCredential
	}
	return s.putBool(ctx, KeyProtectionEnabled, enabled)
}

// WipeEnabled reports whether remote wipe is allowed. Defaults to false.
func (s *Store) WipeEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBool(ctx, KeyWipeEnabled, false)
}

// SetWipeEnabled turns remote wipe on or off. Enabling requires a wipe PIN.
func (s *Store) SetWipeEnabled(ctx context.Context, masterPassword string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyMaster(ctx, masterPassword) {
		return ErrWrongCredential
	}
	if enabled {
		_, ok, err := s.get(ctx, KeyWipePinHash)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWipePinNotSet
		}
	}
	return s.putBool(ctx, KeyWipeEnabled, enabled)
}

// TamperState returns the current tamper-tracking values.
func (s *Store) TamperState(ctx context.Context) (TamperState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st TamperState
	var err error
	if st.FailedUnlockAttempts, err = s.getInt(ctx, KeyFailedUnlockAttempts); err != nil {
		return st, err
	}
	if st.AirplaneModeDetected, err = s.getBool(ctx, KeyAirplaneModeDetected, false); err != nil {
		return st, err
	}
	st.OriginalSimIdentity, _, err = s.get(ctx, KeyOriginalSimICCID)
	return st, err
}

// BindSim records identity as the original SIM unless one is already bound.
// It returns the bound identity and whether this call created the binding.
func (s *Store) BindSim(ctx context.Context, identity string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bound, ok, err := s.get(ctx, KeyOriginalSimICCID)
	if err != nil {
		return "", false, err
	}
	if ok && bound != "" {
		return bound, false, nil
	}
	if err := s.put(ctx, KeyOriginalSimICCID, identity); err != nil {
		return "", false, err
	}
	return identity, true, nil
}

// OriginalSim returns the bound SIM identity and whether one is bound.
func (s *Store) OriginalSim(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok, err := s.get(ctx, KeyOriginalSimICCID)
	return v, ok && v != "", err
}

// ResetSim forgets the bound SIM so the next observed SIM is bound. Used when
// the owner replaces their own SIM.
func (s *Store) ResetSim(ctx context.Context, masterPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyMaster(ctx, masterPassword) {
		return ErrWrongCredential
	}
	return s.backend.DeleteSecret(ctx, KeyOriginalSimICCID)
}

// IncrementFailedUnlocks adds one to the failed unlock counter and returns
// the new value.
func (s *Store) IncrementFailedUnlocks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.getInt(ctx, KeyFailedUnlockAttempts)
	if err != nil {
		return 0, err
	}
	n++
	if err := s.put(ctx, KeyFailedUnlockAttempts, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// ResetFailedUnlocks sets the failed unlock counter to zero.
func (s *Store) ResetFailedUnlocks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, KeyFailedUnlockAttempts, "0")
}

// AirplaneModeDetected reports the airplane-mode flag.
func (s *Store) AirplaneModeDetected(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBool(ctx, KeyAirplaneModeDetected, false)
}

// SetAirplaneModeDetected sets the airplane-mode flag.
func (s *Store) SetAirplaneModeDetected(ctx context.Context, detected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putBool(ctx, KeyAirplaneModeDetected, detected)
}

// ClearAll erases every credential, flag and tamper value. The device
// returns to the pre-setup state.
func (s *Store) ClearAll(ctx context.Context, masterPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verifyMaster(ctx, masterPassword) {
		return ErrWrongCredential
	}
	if err := s.backend.ClearSecrets(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
