package database

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)

	for _, table := range []interface{}{&SessionBundle{}, &SessionBlob{}, &UserSessionRecord{}, &Setting{}} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("expected table for %T", table)
		}
	}
	if err := Ping(db); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)

	if _, err := GetSetting(db, "missing"); err == nil {
		t.Error("expected error for missing setting")
	}
	if err := SetSetting(db, "fernet_key", "one"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting(db, "fernet_key", "two"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, err := GetSetting(db, "fernet_key")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "two" {
		t.Errorf("GetSetting = %q, want %q", got, "two")
	}
}

func TestSessionRecorderUpsert(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)

	rec := SessionRecorder{DB: db}
	t0 := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	t1 := time.Now().UTC().Truncate(time.Second)

	if err := rec.RecordSession("u1", "pending", "", t0); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := rec.RecordSession("u1", "error", "auth_failed", t1); err != nil {
		t.Fatalf("RecordSession update: %v", err)
	}
	if err := rec.RecordSession("u2", "ready", "", t1); err != nil {
		t.Fatalf("RecordSession u2: %v", err)
	}

	recs, err := rec.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].UserID != "u1" || recs[0].Status != "error" || recs[0].ErrorDetail != "auth_failed" {
		t.Errorf("unexpected u1 record: %+v", recs[0])
	}
	if !recs[0].LastTransitionAt.Equal(t1) {
		t.Errorf("LastTransitionAt = %v, want %v", recs[0].LastTransitionAt, t1)
	}
}

func TestMissingRowIsNotLogged(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)

	var buf bytes.Buffer
	tx := db.Session(&gorm.Session{Logger: gormLogger(&buf)})
	if _, err := GetSetting(tx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("GetSetting = %v, want ErrRecordNotFound", err)
	}
	if buf.Len() != 0 {
		t.Errorf("missing row was logged: %q", buf.String())
	}

	// Real failures are still reported.
	if err := tx.Exec("SELECT * FROM no_such_table").Error; err == nil {
		t.Fatal("expected error from unknown table")
	}
	if buf.Len() == 0 {
		t.Error("query error was not logged")
	}
}
