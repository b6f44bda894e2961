package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "securetrack.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema failed: %v", err)
	}

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("CurrentVersion = %d, want %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("database permissions = %04o, want 0600", info.Mode().Perm())
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	id, err := s.InsertCommandLog(ctx, "LOCATE", "+15551234")
	if err != nil {
		t.Fatalf("InsertCommandLog failed: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if _, err := s.GetCommandLog(ctx, id); err != nil {
		t.Fatalf("row lost across reopen: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected missing secure_prefs after rollback")
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema after re-migrate: %v", err)
	}
}

func TestCommandLogLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertCommandLog(ctx, "LOCATE", "+15551234")
	if err != nil {
		t.Fatalf("InsertCommandLog failed: %v", err)
	}

	log, err := s.GetCommandLog(ctx, id)
	if err != nil {
		t.Fatalf("GetCommandLog failed: %v", err)
	}
	if log.Status != StatusReceived || log.CommandName != "LOCATE" || log.Sender != "+15551234" {
		t.Errorf("unexpected row: %+v", log)
	}
	if log.Location != nil || log.ResultMessage != "" {
		t.Errorf("new row should have no result: %+v", log)
	}

	ok, err := s.AdvanceCommandLog(ctx, id, StatusProcessing, "")
	if err != nil || !ok {
		t.Fatalf("advance to PROCESSING: ok=%v err=%v", ok, err)
	}
	ok, err = s.AdvanceCommandLog(ctx, id, StatusSuccess, "Location sent")
	if err != nil || !ok {
		t.Fatalf("advance to SUCCESS: ok=%v err=%v", ok, err)
	}
	if err := s.SetCommandLocation(ctx, id, 37.42, -122.08); err != nil {
		t.Fatalf("SetCommandLocation failed: %v", err)
	}

	// Terminal rows never regress.
	ok, err = s.AdvanceCommandLog(ctx, id, StatusFailed, "late failure")
	if err != nil {
		t.Fatalf("AdvanceCommandLog failed: %v", err)
	}
	if ok {
		t.Error("SUCCESS row moved to FAILED")
	}

	log, _ = s.GetCommandLog(ctx, id)
	if log.Status != StatusSuccess || log.ResultMessage != "Location sent" {
		t.Errorf("unexpected final row: %+v", log)
	}
	if log.Location == nil || log.Location.Lat != 37.42 || log.Location.Lng != -122.08 {
		t.Errorf("unexpected location: %+v", log.Location)
	}
}

func TestAdvanceRejectsSkippedStates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertCommandLog(ctx, "LOCK", "+1")
	ok, err := s.AdvanceCommandLog(ctx, id, StatusSuccess, "")
	if err != nil {
		t.Fatalf("AdvanceCommandLog failed: %v", err)
	}
	if ok {
		t.Error("RECEIVED moved straight to SUCCESS")
	}

	ok, _ = s.AdvanceCommandLog(ctx, id, StatusUnauthorized, "Invalid PIN")
	if !ok {
		t.Error("RECEIVED -> UNAUTHORIZED rejected")
	}
	ok, _ = s.AdvanceCommandLog(ctx, id, StatusProcessing, "")
	if ok {
		t.Error("UNAUTHORIZED moved to PROCESSING")
	}

	if _, err := s.AdvanceCommandLog(ctx, 9999, StatusProcessing, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentCountAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		s.now = func() time.Time { return ts }
		if _, err := s.InsertCommandLog(ctx, "SIREN", "+1"); err != nil {
			t.Fatalf("InsertCommandLog failed: %v", err)
		}
	}
	s.now = time.Now

	recent, err := s.RecentCommandLogs(ctx, 3)
	if err != nil {
		t.Fatalf("RecentCommandLogs failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	if !recent[0].CreatedAt.After(recent[1].CreatedAt) {
		t.Error("recent logs are not newest first")
	}

	all, _ := s.RecentCommandLogs(ctx, 0)
	if len(all) != 5 {
		t.Errorf("len(all) = %d, want 5", len(all))
	}

	s.AdvanceCommandLog(ctx, all[0].ID, StatusUnauthorized, "Invalid PIN")
	n, err := s.CountCommandLogsByStatus(ctx, StatusReceived)
	if err != nil {
		t.Fatalf("CountCommandLogsByStatus failed: %v", err)
	}
	if n != 4 {
		t.Errorf("RECEIVED count = %d, want 4", n)
	}

	purged, err := s.DeleteCommandLogsBefore(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DeleteCommandLogsBefore failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	if err := s.DeleteCommandLog(ctx, all[0].ID); err != nil {
		t.Fatalf("DeleteCommandLog failed: %v", err)
	}
	if err := s.DeleteCommandLog(ctx, all[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.ClearCommandLogs(ctx); err != nil {
		t.Fatalf("ClearCommandLogs failed: %v", err)
	}
	all, _ = s.RecentCommandLogs(ctx, 0)
	if len(all) != 0 {
		t.Errorf("expected empty ledger, got %d rows", len(all))
	}
}

func TestIntruderLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertIntruderLog(ctx, &IntruderLog{ImagePath: "/tmp/a.jpg"}); err != nil {
		t.Fatalf("InsertIntruderLog failed: %v", err)
	}
	_, err := s.InsertIntruderLog(ctx, &IntruderLog{
		ImagePath:  "/tmp/b.jpg",
		CapturedAt: time.Now().Add(time.Minute),
		Location:   "37.420000, -122.080000",
		Coords:     &Coordinates{Lat: 37.42, Lng: -122.08},
		Reason:     "failed_unlock",
	})
	if err != nil {
		t.Fatalf("InsertIntruderLog failed: %v", err)
	}

	logs, err := s.IntruderLogs(ctx, 0)
	if err != nil {
		t.Fatalf("IntruderLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if logs[0].ImagePath != "/tmp/b.jpg" || logs[0].Coords == nil || logs[0].Reason != "failed_unlock" {
		t.Errorf("unexpected newest capture: %+v", logs[0])
	}
	if logs[1].Location != "Unknown" || logs[1].Coords != nil {
		t.Errorf("unexpected default location: %+v", logs[1])
	}

	if err := s.ClearIntruderLogs(ctx); err != nil {
		t.Fatalf("ClearIntruderLogs failed: %v", err)
	}
}

func TestContactsPrimary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.PrimaryContact(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	aliceID, err := s.InsertContact(ctx, &EmergencyContact{Name: "Alice", PhoneNumber: "+1555000001", IsPrimary: true})
	if err != nil {
		t.Fatalf("InsertContact failed: %v", err)
	}
	bobID, err := s.InsertContact(ctx, &EmergencyContact{Name: "Bob", PhoneNumber: "+1555000002", IsPrimary: true})
	if err != nil {
		t.Fatalf("InsertContact failed: %v", err)
	}

	primary, err := s.PrimaryContact(ctx)
	if err != nil {
		t.Fatalf("PrimaryContact failed: %v", err)
	}
	if primary.ID != bobID {
		t.Errorf("primary = %d, want %d", primary.ID, bobID)
	}

	if _, err := s.InsertContact(ctx, &EmergencyContact{Name: "Dup", PhoneNumber: "+1555000001"}); err == nil {
		t.Error("duplicate phone number accepted")
	}

	err = s.UpdateContact(ctx, &EmergencyContact{ID: aliceID, Name: "Alice B", PhoneNumber: "+1555000001", IsPrimary: true})
	if err != nil {
		t.Fatalf("UpdateContact failed: %v", err)
	}

	contacts, err := s.Contacts(ctx)
	if err != nil {
		t.Fatalf("Contacts failed: %v", err)
	}
	if len(contacts) != 2 || contacts[0].ID != aliceID || !contacts[0].IsPrimary || contacts[1].IsPrimary {
		t.Errorf("unexpected contacts: %+v", contacts)
	}

	if err := s.DeleteContact(ctx, bobID); err != nil {
		t.Fatalf("DeleteContact failed: %v", err)
	}
	if err := s.UpdateContact(ctx, &EmergencyContact{ID: bobID, Name: "x", PhoneNumber: "y"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSecrets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetSecret(ctx, "pin_hash")
	if err != nil || v != nil {
		t.Fatalf("GetSecret on empty store: v=%v err=%v", v, err)
	}

	if err := s.PutSecret(ctx, "pin_hash", []byte{1, 2, 3}); err != nil {
		t.Fatalf("PutSecret failed: %v", err)
	}
	if err := s.PutSecret(ctx, "pin_hash", []byte{4, 5}); err != nil {
		t.Fatalf("PutSecret overwrite failed: %v", err)
	}
	v, _ = s.GetSecret(ctx, "pin_hash")
	if string(v) != string([]byte{4, 5}) {
		t.Errorf("GetSecret = %v, want [4 5]", v)
	}

	if err := s.DeleteSecret(ctx, "pin_hash"); err != nil {
		t.Fatalf("DeleteSecret failed: %v", err)
	}
	if err := s.DeleteSecret(ctx, "pin_hash"); err != nil {
		t.Errorf("DeleteSecret of missing key: %v", err)
	}

	s.PutSecret(ctx, "a", []byte("1"))
	s.PutSecret(ctx, "b", []byte("2"))
	if err := s.ClearSecrets(ctx); err != nil {
		t.Fatalf("ClearSecrets failed: %v", err)
	}
	if v, _ := s.GetSecret(ctx, "a"); v != nil {
		t.Error("ClearSecrets left values behind")
	}
}
