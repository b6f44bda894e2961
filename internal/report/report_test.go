package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/store"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for x := 0; x < 8; x++ {
		for y := 0; y < 6; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: 80, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func seed(t *testing.T, dir string) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(dir, "securetrack.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	id, err := s.InsertCommandLog(ctx, "LOCATE", "+15550001234")
	require.NoError(t, err)
	_, err = s.AdvanceCommandLog(ctx, id, store.StatusProcessing, "")
	require.NoError(t, err)
	_, err = s.AdvanceCommandLog(ctx, id, store.StatusSuccess, "Location sent")
	require.NoError(t, err)
	require.NoError(t, s.SetCommandLocation(ctx, id, 52.52, 13.405))

	_, err = s.InsertCommandLog(ctx, "WIPE", "+15559998888")
	require.NoError(t, err)

	img := filepath.Join(dir, "intruder.png")
	writePNG(t, img)
	_, err = s.InsertIntruderLog(ctx, &store.IntruderLog{
		ImagePath:  img,
		CapturedAt: time.Now(),
		Location:   "52.520000, 13.405000",
		Reason:     "failed_unlock",
	})
	require.NoError(t, err)
	_, err = s.InsertIntruderLog(ctx, &store.IntruderLog{
		ImagePath:  filepath.Join(dir, "missing.jpg"),
		CapturedAt: time.Now(),
		Reason:     "sim_change",
	})
	require.NoError(t, err)

	_, err = s.InsertContact(ctx, &store.EmergencyContact{Name: "Alex", PhoneNumber: "+15551112222", IsPrimary: true})
	require.NoError(t, err)
	return s
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	s := seed(t, dir)
	out := filepath.Join(dir, "reports", "incident.pdf")

	res, err := Generate(context.Background(), s, Status{
		Version:           "1.2.0",
		SetupComplete:     true,
		ProtectionEnabled: true,
		SimBound:          true,
		FailedUnlocks:     3,
	}, Options{Path: out, Note: "phone lost on train"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	assert.Equal(t, out, res.Path)
	assert.Equal(t, 2, res.Commands)
	assert.Equal(t, 2, res.Intrusions)
	assert.NotEmpty(t, res.Warnings, "missing capture image should be reported")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestGenerateEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "securetrack.db"))
	require.NoError(t, err)
	defer s.Close()

	res, err := Generate(context.Background(), s, Status{}, Options{Path: filepath.Join(dir, "empty.pdf")})
	require.NoError(t, err)
	assert.Zero(t, res.Commands)
	assert.Zero(t, res.Intrusions)
}

type failingSource struct{}

func (failingSource) RecentCommandLogs(context.Context, int) ([]store.CommandLog, error) {
	return nil, errors.New("db locked")
}
func (failingSource) IntruderLogs(context.Context, int) ([]store.IntruderLog, error) {
	return nil, nil
}
func (failingSource) Contacts(context.Context) ([]store.EmergencyContact, error) {
	return nil, nil
}

func TestGenerateSourceErrors(t *testing.T) {
	dir := t.TempDir()
	res, err := Generate(context.Background(), failingSource{}, Status{}, Options{Path: filepath.Join(dir, "r.pdf")})
	require.NoError(t, err)
	assert.Contains(t, res.Warnings, "list commands failed: db locked")
}

func TestGenerateRequiresPath(t *testing.T) {
	_, err := Generate(context.Background(), failingSource{}, Status{}, Options{})
	assert.Error(t, err)
}
