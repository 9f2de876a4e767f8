package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_users.up.sql", 1, false},
		{"002_account_linking.up.sql", 2, false},
		{"nounderscore.sql", 0, true},
		{"abc_users.up.sql", 0, true},
	}
	for _, tc := range tests {
		got, err := versionFromFile(tc.name)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("%s: got (%d, %v), want %d", tc.name, got, err, tc.want)
		}
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"010_late.up.sql", "002_b.up.sql", "002_b.down.sql", "001_a.up.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got, err := collect(dir)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []int64{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("got %d migrations: %+v", len(got), got)
	}
	for i, m := range got {
		if m.version != want[i] {
			t.Errorf("migration %d: version %d, want %d", i, m.version, want[i])
		}
	}
}

func TestCollectShippedMigrations(t *testing.T) {
	got, err := collect(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) < 2 || got[0].version != 1 {
		t.Errorf("unexpected shipped migrations: %+v", got)
	}
}
