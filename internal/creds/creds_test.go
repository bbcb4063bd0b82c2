package creds

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

func writeCredsFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFindsFileInAncestorDirectory(t *testing.T) {
	root := t.TempDir()
	writeCredsFile(t, root, "test_creds.env", `
# database credentials
DB_HOST = localhost
DB_USER = impostor
DB_PASS = secret
DB_NAME = world.duckdb
`)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	c, err := Load("test_creds.env")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Get("DB_HOST"); got != "localhost" {
		t.Errorf("DB_HOST = %q, want %q", got, "localhost")
	}
	if got := c.Get("DB_NAME"); got != "world.duckdb" {
		t.Errorf("DB_NAME = %q, want %q", got, "world.duckdb")
	}
}

func TestLoadRejectsMissingRequiredKey(t *testing.T) {
	dir := t.TempDir()
	writeCredsFile(t, dir, "test_creds.env", "DB_HOST = localhost\nDB_USER = u\n")
	t.Chdir(dir)

	_, err := Load("test_creds.env")
	if !errors.Is(err, errs.ErrInput) {
		t.Fatalf("expected ErrInput for missing DB_PASS/DB_NAME, got %v", err)
	}
}

func TestDBPortDefaultsAndParses(t *testing.T) {
	c := Credentials{values: map[string]string{}}
	port, err := c.DBPort(3306)
	if err != nil || port != 3306 {
		t.Fatalf("DBPort on absent key = (%d, %v), want (3306, nil)", port, err)
	}

	c = Credentials{values: map[string]string{"DB_PORT": "5433"}}
	port, err = c.DBPort(3306)
	if err != nil || port != 5433 {
		t.Fatalf("DBPort = (%d, %v), want (5433, nil)", port, err)
	}

	c = Credentials{values: map[string]string{"DB_PORT": "nope"}}
	if _, err := c.DBPort(3306); !errors.Is(err, errs.ErrInput) {
		t.Fatalf("expected ErrInput for a non-numeric DB_PORT, got %v", err)
	}
}
