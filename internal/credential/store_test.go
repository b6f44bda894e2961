package credential

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (m *memBackend) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.data[key], nil
}

func (m *memBackend) PutSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memBackend) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memBackend) ClearSecrets(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

func newTestStore(t *testing.T) (*Store, *memBackend) {
	t.Helper()
	backend := newMemBackend()
	s, err := New(backend, bytes.Repeat([]byte{7}, 32), WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	return s, backend
}

const (
	testPin      = "135790"
	testWipePin  = "11112222"
	testPassword = "correct horse"
)

func setUp(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.Setup(context.Background(), SetupRequest{
		Pin:            testPin,
		WipePin:        testWipePin,
		MasterPassword: testPassword,
	}))
}

func TestValidPin(t *testing.T) {
	tests := []struct {
		pin  string
		want bool
	}{
		{"135790", true},
		{"112233", true},
		{"246801", true},
		{"123456", false},
		{"987654", false},
		{"234567", false},
		{"876543", false},
		{"111111", false},
		{"000000", false},
		{"121212", false},
		{"343434", false},
		{"789789", false},
		{"12345", false},
		{"1234567", false},
		{"13579a", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidPin(tt.pin), tt.pin)
	}
}

func TestValidWipePinAndPassword(t *testing.T) {
	assert.True(t, ValidWipePin("11112222"))
	assert.True(t, ValidWipePin("12345678"))
	assert.False(t, ValidWipePin("1111222"))
	assert.False(t, ValidWipePin("1111222a"))

	assert.True(t, ValidMasterPassword("12345678"))
	assert.False(t, ValidMasterPassword("1234567"))
	assert.False(t, ValidMasterPassword(string(bytes.Repeat([]byte("a"), 73))))
}

func TestDigestIsSaltedAndVerifiable(t *testing.T) {
	d1, err := pinDigest(testPin)
	require.NoError(t, err)
	d2, err := pinDigest(testPin)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2, "digests should use distinct salts")

	ok, err := verifyPinDigest(d1, testPin)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = verifyPinDigest(d1, "246801")
	assert.False(t, ok)

	_, err = verifyPinDigest("md5$00$00", testPin)
	assert.ErrorIs(t, err, errMalformedDigest)
}

func TestSetupAndVerify(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	done, err := s.SetupComplete(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	setUp(t, s)

	assert.True(t, s.VerifyPin(ctx, testPin))
	assert.False(t, s.VerifyPin(ctx, "246801"))
	assert.True(t, s.VerifyWipePin(ctx, testWipePin))
	assert.True(t, s.VerifyMasterPassword(ctx, testPassword))
	assert.False(t, s.VerifyMasterPassword(ctx, "wrong password"))

	// The standard and wipe secrets are independent.
	assert.False(t, s.VerifyWipePin(ctx, testPin))
	assert.False(t, s.VerifyPin(ctx, testWipePin))

	for key, value := range backend.data {
		assert.NotContains(t, string(value), testPin, key)
		assert.NotContains(t, string(value), testWipePin, key)
	}

	assert.ErrorIs(t, s.Setup(ctx, SetupRequest{Pin: "246801", MasterPassword: testPassword}), ErrAlreadySetUp)
}

func TestSetupValidatesBeforeWriting(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	err := s.Setup(ctx, SetupRequest{Pin: "123456", MasterPassword: testPassword})
	assert.ErrorIs(t, err, ErrWeakPin)
	err = s.Setup(ctx, SetupRequest{Pin: testPin, WipePin: "123", MasterPassword: testPassword})
	assert.ErrorIs(t, err, ErrInvalidWipePin)
	err = s.Setup(ctx, SetupRequest{Pin: testPin, MasterPassword: "short"})
	assert.ErrorIs(t, err, ErrWeakMasterPassword)

	assert.Empty(t, backend.data)
}

func TestSetPinRejectsWeakWithoutOverwrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	setUp(t, s)

	assert.ErrorIs(t, s.SetPin(ctx, "111111"), ErrWeakPin)
	assert.True(t, s.VerifyPin(ctx, testPin))

	assert.ErrorIs(t, s.SetWipePin(ctx, "1234"), ErrInvalidWipePin)
	assert.True(t, s.VerifyWipePin(ctx, testWipePin))

	assert.ErrorIs(t, s.SetMasterPassword(ctx, "x"), ErrWeakMasterPassword)
	assert.True(t, s.VerifyMasterPassword(ctx, testPassword))
}

func TestChangeCredentialsRequireProof(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	setUp(t, s)

	assert.ErrorIs(t, s.ChangePin(ctx, "246801", "975310"), ErrWrongCredential)
	require.NoError(t, s.ChangePin(ctx, testPin, "975310"))
	assert.True(t, s.VerifyPin(ctx, "975310"))
	assert.False(t, s.VerifyPin(ctx, testPin))

	assert.ErrorIs(t, s.ChangeWipePin(ctx, "nope nope", "33334444"), ErrWrongCredential)
	require.NoError(t, s.ChangeWipePin(ctx, testPassword, "33334444"))
	assert.True(t, s.VerifyWipePin(ctx, "33334444"))

	assert.ErrorIs(t, s.ChangeMasterPassword(ctx, "nope nope", "another pass"), ErrWrongCredential)
	require.NoError(t, s.ChangeMasterPassword(ctx, testPassword, "another pass"))
	assert.True(t, s.VerifyMasterPassword(ctx, "another pass"))
}

func TestFlags(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	enabled, err := s.ProtectionEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled, "protection defaults to enabled")

	wipe, err := s.WipeEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, wipe, "wipe defaults to disabled")

	armed, err := s.Armed(ctx)
	require.NoError(t, err)
	assert.False(t, armed, "not armed before setup")

	require.NoError(t, s.Setup(ctx, SetupRequest{Pin: testPin, MasterPassword: testPassword}))
	armed, _ = s.Armed(ctx)
	assert.True(t, armed)

	assert.ErrorIs(t, s.SetWipeEnabled(ctx, testPassword, true), ErrWipePinNotSet)
	require.NoError(t, s.SetWipePin(ctx, testWipePin))
	assert.ErrorIs(t, s.SetWipeEnabled(ctx, "wrong pass", true), ErrWrongCredential)
	require.NoError(t, s.SetWipeEnabled(ctx, testPassword, true))
	wipe, _ = s.WipeEnabled(ctx)
	assert.True(t, wipe)

	require.NoError(t, s.SetProtectionEnabled(ctx, testPassword, false))
	armed, _ = s.Armed(ctx)
	assert.False(t, armed)
}

func TestTamperState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	st, err := s.TamperState(ctx)
	require.NoError(t, err)
	assert.Equal(t, TamperState{}, st)

	bound, created, err := s.BindSim(ctx, "8901A")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "8901A", bound)

	bound, created, err = s.BindSim(ctx, "8901B")
	require.NoError(t, err)
	assert.False(t, created, "binding is one-way")
	assert.Equal(t, "8901A", bound)

	n, err := s.IncrementFailedUnlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = s.IncrementFailedUnlocks(ctx)
	assert.Equal(t, 2, n)

	require.NoError(t, s.SetAirplaneModeDetected(ctx, true))

	st, err = s.TamperState(ctx)
	require.NoError(t, err)
	assert.Equal(t, TamperState{FailedUnlockAttempts: 2, AirplaneModeDetected: true, OriginalSimIdentity: "8901A"}, st)

	require.NoError(t, s.ResetFailedUnlocks(ctx))
	st, _ = s.TamperState(ctx)
	assert.Equal(t, 0, st.FailedUnlockAttempts)
}

func TestResetSimAndClearAll(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	setUp(t, s)

	s.BindSim(ctx, "8901A")
	assert.ErrorIs(t, s.ResetSim(ctx, "wrong pass"), ErrWrongCredential)
	require.NoError(t, s.ResetSim(ctx, testPassword))
	_, ok, err := s.OriginalSim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.ClearAll(ctx, "wrong pass"), ErrWrongCredential)
	require.NoError(t, s.ClearAll(ctx, testPassword))
	assert.Empty(t, backend.data)

	done, _ := s.SetupComplete(ctx)
	assert.False(t, done)
	assert.False(t, s.VerifyPin(ctx, testPin))
}

func TestSealedValuesBoundToKey(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	setUp(t, s)

	// Moving the wipe digest under the PIN key must not authenticate.
	backend.data[KeyPinHash] = backend.data[KeyWipePinHash]
	assert.False(t, s.VerifyPin(ctx, testWipePin))
	assert.False(t, s.VerifyPin(ctx, testPin))
}

func TestBackendErrorsFailClosed(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	setUp(t, s)

	backend.err = errors.New("disk gone")
	assert.False(t, s.VerifyPin(ctx, testPin))
	_, err := s.WipeEnabled(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
