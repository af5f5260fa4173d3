package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestModerationAuditMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0002_moderation_audit.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"moderation_audit_immutable_guard",
		"RAISE EXCEPTION",
		"ERRCODE = '55000'",
		"CREATE TRIGGER trg_moderation_audit_block_update",
		"CREATE TRIGGER trg_moderation_audit_block_delete",
		"metadata JSONB NOT NULL DEFAULT '{}'::jsonb",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
	if strings.Contains(sqlText, "REFERENCES message_reports") {
		t.Fatalf("audit rows must outlive purged reports; no foreign key to message_reports expected")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if v := nullIfEmpty(""); v.Valid {
		t.Fatal("expected empty string to be NULL")
	}
	if v := nullIfEmpty("  "); v.Valid {
		t.Fatal("expected blank string to be NULL")
	}
	if v := nullIfEmpty("thread-1"); !v.Valid || v.String != "thread-1" {
		t.Fatalf("unexpected value %+v", v)
	}
}
