package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestGetPutDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.Put(KeyPreferences, `{"theme":"dark"}`); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Put(KeyPreferences, `{"theme":"light"}`); err != nil {
				t.Fatalf("Put() overwrite error = %v", err)
			}
			got, err := s.Get(KeyPreferences)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got != `{"theme":"light"}` {
				t.Errorf("Get() = %q, want overwritten value", got)
			}

			ok, err := Exists(s, KeyPreferences)
			if err != nil || !ok {
				t.Errorf("Exists() = %v, %v, want true", ok, err)
			}

			if err := s.Delete(KeyPreferences); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete(KeyPreferences); err != nil {
				t.Errorf("Delete() of missing key error = %v", err)
			}
			ok, err = Exists(s, KeyPreferences)
			if err != nil || ok {
				t.Errorf("Exists() after delete = %v, %v, want false", ok, err)
			}
		})
	}
}

func TestList(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"backup:300", "backup:100", "widget:clock", "backup:200", "backups"} {
				if err := s.Put(k, "x"); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.List(PrefixBackup)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			want := []string{"backup:100", "backup:200", "backup:300"}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("List(%q) = %v, want %v", PrefixBackup, got, want)
			}

			all, err := s.List("")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 5 {
				t.Errorf("List(\"\") returned %d keys, want 5", len(all))
			}

			none, err := s.List("nothing:")
			if err != nil {
				t.Fatal(err)
			}
			if len(none) != 0 {
				t.Errorf("List(nothing:) = %v, want empty", none)
			}
		})
	}
}

func TestUpdateCommitsAtomically(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(KeyAPIKeysPlaintext, "old"); err != nil {
				t.Fatal(err)
			}

			err := s.Update(func(tx KV) error {
				if err := tx.Put(KeyAPIKeysEncrypted, "sealed"); err != nil {
					return err
				}
				v, err := tx.Get(KeyAPIKeysEncrypted)
				if err != nil || v != "sealed" {
					t.Errorf("tx.Get() inside transaction = %q, %v", v, err)
				}
				return tx.Delete(KeyAPIKeysPlaintext)
			})
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}

			if v, err := s.Get(KeyAPIKeysEncrypted); err != nil || v != "sealed" {
				t.Errorf("Get() after commit = %q, %v", v, err)
			}
			if _, err := s.Get(KeyAPIKeysPlaintext); !errors.Is(err, ErrNotFound) {
				t.Errorf("plaintext key should be gone, error = %v", err)
			}
		})
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	boom := errors.New("boom")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(KeySecurityConfig, "original"); err != nil {
				t.Fatal(err)
			}

			err := s.Update(func(tx KV) error {
				if err := tx.Put(KeySecurityConfig, "changed"); err != nil {
					return err
				}
				if err := tx.Put(KeySecurityVerification, "new"); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update() error = %v, want %v", err, boom)
			}

			if v, _ := s.Get(KeySecurityConfig); v != "original" {
				t.Errorf("Get() after rollback = %q, want original", v)
			}
			if _, err := s.Get(KeySecurityVerification); !errors.Is(err, ErrNotFound) {
				t.Errorf("write inside failed Update should not persist, error = %v", err)
			}
		})
	}
}

func TestSQLiteReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("widget:notes", `{"text":"hi"}`); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	v, err := s.Get("widget:notes")
	if err != nil || v != `{"text":"hi"}` {
		t.Errorf("Get() after reopen = %q, %v", v, err)
	}
	version, err := s.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, CurrentSchemaVersion)
	}
	if err := s.IntegrityCheck(); err != nil {
		t.Errorf("IntegrityCheck() error = %v", err)
	}
}

func TestSQLiteFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := filepath.Join(t.TempDir(), "data")
	s, err := OpenSQLite(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	info, err := os.Stat(filepath.Join(dir, DBFileName))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("database permissions = %04o, want no group/other access", perm)
	}
}

func TestCheckDiskSpace(t *testing.T) {
	info, err := CheckDiskSpace(t.TempDir())
	if err != nil {
		t.Fatalf("CheckDiskSpace() error = %v", err)
	}
	if info.Total == 0 {
		t.Error("Total should be > 0")
	}
	if info.UsedPct < 0 || info.UsedPct > 100 {
		t.Errorf("UsedPct = %d, want 0-100", info.UsedPct)
	}
}
