package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/metrics"
	"securetrack/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *metrics.SecureTrack) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "securetrack.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := metrics.NewSecureTrack(metrics.NewRegistry("test"))
	return New(s, WithMetrics(m)), m
}

func TestLifecycle(t *testing.T) {
	lg, m := newTestLedger(t)
	ctx := context.Background()

	id, err := lg.Create(ctx, "LOCATE", "+15551234")
	require.NoError(t, err)

	e, err := lg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReceived, e.Status)

	require.NoError(t, lg.Advance(ctx, id, store.StatusProcessing, ""))
	require.NoError(t, lg.Complete(ctx, id, store.StatusSuccess, "Location sent: 1.5, 2.5",
		&store.Coordinates{Lat: 1.5, Lng: 2.5}))

	e, err = lg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, e.Status)
	assert.Equal(t, "Location sent: 1.5, 2.5", e.ResultMessage)
	require.NotNil(t, e.Location)
	assert.Equal(t, 1.5, e.Location.Lat)
	assert.Equal(t, 2.5, e.Location.Lng)

	snap := m.Registry().Snapshot()
	assert.EqualValues(t, 1, snap[`test_command_status_total{command="LOCATE",status="SUCCESS"}`])
}

func TestAdvanceRejectsRegression(t *testing.T) {
	lg, _ := newTestLedger(t)
	ctx := context.Background()

	id, err := lg.Create(ctx, "LOCK", "+1555")
	require.NoError(t, err)
	require.NoError(t, lg.Advance(ctx, id, store.StatusUnauthorized, "Invalid PIN"))

	for _, to := range []store.CommandStatus{store.StatusProcessing, store.StatusSuccess, store.StatusFailed, store.StatusReceived} {
		err := lg.Advance(ctx, id, to, "")
		assert.ErrorIs(t, err, ErrInvalidTransition, to)
	}

	e, err := lg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnauthorized, e.Status)
	assert.Equal(t, "Invalid PIN", e.ResultMessage)
}

func TestAdvanceSkippingProcessing(t *testing.T) {
	lg, _ := newTestLedger(t)
	ctx := context.Background()

	id, err := lg.Create(ctx, "SIREN", "+1555")
	require.NoError(t, err)
	assert.ErrorIs(t, lg.Advance(ctx, id, store.StatusSuccess, "x"), ErrInvalidTransition)
	require.NoError(t, lg.Advance(ctx, id, store.StatusFailed, "Wipe feature disabled"))
}

func TestMissingEntry(t *testing.T) {
	lg, _ := newTestLedger(t)
	ctx := context.Background()

	assert.ErrorIs(t, lg.Advance(ctx, 42, store.StatusProcessing, ""), ErrNotFound)
	_, err := lg.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, lg.Delete(ctx, 42), ErrNotFound)
}

func TestNoEntryIsIgnored(t *testing.T) {
	lg, _ := newTestLedger(t)
	ctx := context.Background()

	assert.NoError(t, lg.Advance(ctx, NoEntry, store.StatusSuccess, "x"))
	assert.NoError(t, lg.RecordLocation(ctx, NoEntry, 1, 2))
	assert.NoError(t, lg.Complete(ctx, NoEntry, store.StatusFailed, "x", nil))
}

func TestConcurrentEntriesAreIndependent(t *testing.T) {
	lg, _ := newTestLedger(t)
	ctx := context.Background()

	const n = 8
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := lg.Create(ctx, "LOCK", "+1555")
			if err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			ids[i] = id
			if err := lg.Advance(ctx, id, store.StatusProcessing, ""); err != nil {
				t.Errorf("Advance failed: %v", err)
				return
			}
			status := store.StatusSuccess
			if i%2 == 1 {
				status = store.StatusFailed
			}
			if err := lg.Advance(ctx, id, status, ""); err != nil {
				t.Errorf("Advance failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	succeeded, err := lg.CountByStatus(ctx, store.StatusSuccess)
	require.NoError(t, err)
	failed, err := lg.CountByStatus(ctx, store.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, n/2, succeeded)
	assert.Equal(t, n/2, failed)

	all, err := lg.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func TestRecentAndPurge(t *testing.T) {
	lg, m := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := lg.Create(ctx, "LOCATE", "+1555")
		require.NoError(t, err)
	}

	recent, err := lg.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Greater(t, recent[0].ID, recent[1].ID)

	none, err := lg.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := lg.PurgeOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = lg.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, uint64(5), m.LedgerPurged.Value())
}

func TestIntrusions(t *testing.T) {
	lg, m := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.RecordIntrusion(ctx, &store.IntruderLog{ImagePath: "/tmp/a.jpg", Reason: "failed_unlock"})
	require.NoError(t, err)
	_, err = lg.RecordIntrusion(ctx, &store.IntruderLog{
		ImagePath: "/tmp/b.jpg",
		Location:  "1.000000, 2.000000",
		Coords:    &store.Coordinates{Lat: 1, Lng: 2},
	})
	require.NoError(t, err)

	logs, err := lg.Intrusions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, uint64(2), m.IntruderCaptures.Value())

	require.NoError(t, lg.Clear(ctx))
	logs, err = lg.Intrusions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestLocateIntrusion(t *testing.T) {
	lg, _ := newTestLedger(t)
	ctx := context.Background()

	id, err := lg.RecordIntrusion(ctx, &store.IntruderLog{ImagePath: "/tmp/a.jpg", Reason: "failed_unlock"})
	require.NoError(t, err)
	require.NoError(t, lg.LocateIntrusion(ctx, id, "3.000000, 4.000000", store.Coordinates{Lat: 3, Lng: 4}))

	logs, err := lg.Intrusions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "3.000000, 4.000000", logs[0].Location)
	require.NotNil(t, logs[0].Coords)
	assert.Equal(t, 4.0, logs[0].Coords.Lng)

	assert.ErrorIs(t, lg.LocateIntrusion(ctx, id+1, "x", store.Coordinates{}), store.ErrNotFound)
}

// locationlessRepo refuses coordinate writes.
type locationlessRepo struct {
	*store.Store
}

func (locationlessRepo) SetCommandLocation(context.Context, int64, float64, float64) error {
	return errors.New("database is locked")
}

func TestCompleteWritesStatusWhenLocationFails(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "securetrack.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	lg := New(locationlessRepo{s})
	ctx := context.Background()

	id, err := lg.Create(ctx, "LOCATE", "+15551234")
	require.NoError(t, err)
	require.NoError(t, lg.Advance(ctx, id, store.StatusProcessing, ""))

	err = lg.Complete(ctx, id, store.StatusSuccess, "Location sent: 1.5, 2.5", &store.Coordinates{Lat: 1.5, Lng: 2.5})
	assert.ErrorContains(t, err, "database is locked")

	e, err := lg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, e.Status)
	assert.Equal(t, "Location not recorded: database is locked", e.ResultMessage)
	assert.Nil(t, e.Location)
}
