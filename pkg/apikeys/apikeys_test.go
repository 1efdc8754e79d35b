package apikeys

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/session"
	"github.com/forest6511/horizen/pkg/store"
)

// staticResolver hands out a fixed key or error.
type staticResolver struct {
	key []byte
	src security.KeySource
	err error
}

func (r *staticResolver) Key() ([]byte, security.KeySource, error) {
	if r.err != nil {
		return nil, r.src, r.err
	}
	if r.key == nil {
		return nil, r.src, nil
	}
	return append([]byte(nil), r.key...), r.src, nil
}

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Warnf(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestLegacyRoundTrip(t *testing.T) {
	kv := store.NewMemory()
	s := New(kv, &staticResolver{src: security.KeySourceLegacy})

	want := APIKeys{"openai": "sk-1", "anthropic": "sk-ant-2"}
	if err := s.SaveAPIKeys(want); err != nil {
		t.Fatalf("SaveAPIKeys() error = %v", err)
	}
	if !s.HasLegacyKey() {
		t.Error("legacy key should be generated on first write")
	}

	got, err := s.GetAPIKeys()
	if err != nil {
		t.Fatalf("GetAPIKeys() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetAPIKeys() = %v, want %v", got, want)
	}
}

func TestSaveUsesFreshIV(t *testing.T) {
	kv := store.NewMemory()
	s := New(kv, &staticResolver{key: mustKey(t), src: security.KeySourcePasswordDerived})
	keys := APIKeys{"openai": "sk-same"}

	if err := s.SaveAPIKeys(keys); err != nil {
		t.Fatal(err)
	}
	first, _ := kv.Get(store.KeyAPIKeysEncrypted)
	if err := s.SaveAPIKeys(keys); err != nil {
		t.Fatal(err)
	}
	second, _ := kv.Get(store.KeyAPIKeysEncrypted)

	if first == second {
		t.Error("saving identical keys twice should produce different ciphertext")
	}
	got, err := s.GetAPIKeys()
	if err != nil || !reflect.DeepEqual(got, keys) {
		t.Errorf("GetAPIKeys() = %v, %v", got, err)
	}
}

func TestGetWhenAbsent(t *testing.T) {
	s := New(store.NewMemory(), &staticResolver{src: security.KeySourceLegacy})
	got, err := s.GetAPIKeys()
	if err != nil {
		t.Fatalf("GetAPIKeys() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("GetAPIKeys() = %v, want empty", got)
	}
	if s.HasLegacyKey() {
		t.Error("reading must not create a legacy key")
	}
}

func TestLockedSessionBlocksAccess(t *testing.T) {
	kv := store.NewMemory()
	sess := session.New(session.DefaultTimeout)
	mgr := security.NewManager(kv, sess)
	s := New(kv, mgr)

	if err := mgr.SetupPassword("hunter22"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAPIKeys(APIKeys{"openai": "sk-1"}); err != nil {
		t.Fatal(err)
	}
	mgr.LockSession()

	if _, err := s.GetAPIKeys(); !errors.Is(err, security.ErrSessionLocked) {
		t.Errorf("GetAPIKeys() error = %v, want ErrSessionLocked", err)
	}
	if err := s.SaveAPIKeys(APIKeys{"openai": "sk-2"}); !errors.Is(err, security.ErrSessionLocked) {
		t.Errorf("SaveAPIKeys() error = %v, want ErrSessionLocked", err)
	}
	if err := s.UpdateAPIKey("gemini", "x"); !errors.Is(err, security.ErrSessionLocked) {
		t.Errorf("UpdateAPIKey() error = %v, want ErrSessionLocked", err)
	}
	if s.HasAPIKeys() {
		t.Error("HasAPIKeys() should report false while locked")
	}

	if ok, err := mgr.UnlockWithPassword("hunter22"); !ok || err != nil {
		t.Fatalf("unlock = %v, %v", ok, err)
	}
	got, err := s.GetAPIKeys()
	if err != nil || got["openai"] != "sk-1" {
		t.Errorf("GetAPIKeys() after unlock = %v, %v", got, err)
	}
}

func TestLockedSessionBlocksEmptyStore(t *testing.T) {
	s := New(store.NewMemory(), &staticResolver{src: security.KeySourcePasswordDerived, err: security.ErrSessionLocked})
	if _, err := s.GetAPIKeys(); !errors.Is(err, security.ErrSessionLocked) {
		t.Errorf("GetAPIKeys() error = %v, want ErrSessionLocked", err)
	}
}

func TestCorruptCiphertextIsKept(t *testing.T) {
	tests := []struct {
		name string
		blob func(t *testing.T) string
		want error
	}{
		{
			name: "malformed",
			blob: func(t *testing.T) string { return "@@not base64@@" },
			want: security.ErrDataCorrupted,
		},
		{
			name: "other key",
			blob: func(t *testing.T) string {
				b, err := crypto.SealString(mustKey(t), []byte(`{"openai":"x"}`))
				if err != nil {
					t.Fatal(err)
				}
				return b
			},
			want: security.ErrIncorrectPassword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := store.NewMemory()
			blob := tt.blob(t)
			if err := kv.Put(store.KeyAPIKeysEncrypted, blob); err != nil {
				t.Fatal(err)
			}
			s := New(kv, &staticResolver{key: mustKey(t), src: security.KeySourcePasswordDerived})

			if _, err := s.GetAPIKeys(); !errors.Is(err, tt.want) {
				t.Errorf("GetAPIKeys() error = %v, want %v", err, tt.want)
			}
			if got, _ := kv.Get(store.KeyAPIKeysEncrypted); got != blob {
				t.Error("ciphertext must never be deleted on decryption failure")
			}
		})
	}
}

func TestUpdateAndClear(t *testing.T) {
	s := New(store.NewMemory(), &staticResolver{src: security.KeySourceLegacy})

	if err := s.UpdateAPIKey("  OpenAI ", "sk-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAPIKey("gemini", "g-1"); err != nil {
		t.Fatal(err)
	}
	providers, err := s.Providers()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"gemini", "openai"}; !reflect.DeepEqual(providers, want) {
		t.Errorf("Providers() = %v, want %v", providers, want)
	}

	if err := s.ClearAPIKey("OPENAI"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAPIKey("gemini", ""); err != nil {
		t.Fatal(err)
	}
	if s.HasAPIKeys() {
		t.Error("HasAPIKeys() should be false after clearing everything")
	}

	if err := s.UpdateAPIKey("   ", "x"); !errors.Is(err, security.ErrValidation) {
		t.Errorf("UpdateAPIKey(blank provider) error = %v, want ErrValidation", err)
	}
}

func TestMigrateFromPlaintext(t *testing.T) {
	kv := store.NewMemory()
	if err := kv.Put(store.KeyAPIKeysPlaintext, `{"OpenAI":"sk-plain","empty":""}`); err != nil {
		t.Fatal(err)
	}
	s := New(kv, &staticResolver{src: security.KeySourceLegacy})

	migrated, err := s.MigrateFromPlaintext()
	if err != nil || !migrated {
		t.Fatalf("MigrateFromPlaintext() = %v, %v, want true", migrated, err)
	}
	if ok, _ := store.Exists(kv, store.KeyAPIKeysPlaintext); ok {
		t.Error("plaintext should be removed after migration")
	}
	got, err := s.GetAPIKeys()
	if err != nil || !reflect.DeepEqual(got, APIKeys{"openai": "sk-plain"}) {
		t.Errorf("GetAPIKeys() = %v, %v", got, err)
	}

	again, err := s.MigrateFromPlaintext()
	if err != nil || again {
		t.Errorf("second MigrateFromPlaintext() = %v, %v, want false", again, err)
	}
}

func TestMigrateNeverClobbersEncrypted(t *testing.T) {
	kv := store.NewMemory()
	log := &recordingLogger{}
	s := New(kv, &staticResolver{src: security.KeySourceLegacy}, WithLogger(log))

	if err := s.SaveAPIKeys(APIKeys{"openai": "sk-encrypted"}); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(store.KeyAPIKeysPlaintext, `{"openai":"sk-plain"}`); err != nil {
		t.Fatal(err)
	}

	migrated, err := s.MigrateFromPlaintext()
	if err != nil || migrated {
		t.Fatalf("MigrateFromPlaintext() = %v, %v, want false", migrated, err)
	}
	if ok, _ := store.Exists(kv, store.KeyAPIKeysPlaintext); !ok {
		t.Error("plaintext must be left in place when no migration happened")
	}
	got, _ := s.GetAPIKeys()
	if got["openai"] != "sk-encrypted" {
		t.Errorf("encrypted store overwritten: %v", got)
	}
	if len(log.warnings) == 0 {
		t.Error("expected a warning")
	}
}

func TestMigrateCorruptPlaintextIsIgnored(t *testing.T) {
	kv := store.NewMemory()
	log := &recordingLogger{}
	if err := kv.Put(store.KeyAPIKeysPlaintext, `{not json`); err != nil {
		t.Fatal(err)
	}
	s := New(kv, &staticResolver{src: security.KeySourceLegacy}, WithLogger(log))

	migrated, err := s.MigrateFromPlaintext()
	if err != nil || migrated {
		t.Errorf("MigrateFromPlaintext() = %v, %v, want false, nil", migrated, err)
	}
	if s.HasEncrypted() {
		t.Error("no encrypted store should be created from corrupt plaintext")
	}
	if len(log.warnings) != 1 {
		t.Errorf("warnings = %v, want one", log.warnings)
	}
}

func TestReencrypt(t *testing.T) {
	kv := store.NewMemory()
	oldKey := mustKey(t)
	newKey := mustKey(t)
	resolver := &staticResolver{key: oldKey, src: security.KeySourcePasswordDerived}
	s := New(kv, resolver)

	want := APIKeys{"openai": "sk-1", "anthropic": "sk-2"}
	if err := s.SaveAPIKeys(want); err != nil {
		t.Fatal(err)
	}

	if err := s.Reencrypt(oldKey, newKey); err != nil {
		t.Fatalf("Reencrypt() error = %v", err)
	}

	resolver.key = newKey
	got, err := s.GetAPIKeys()
	if err != nil || !reflect.DeepEqual(got, want) {
		t.Errorf("GetAPIKeys() under new key = %v, %v", got, err)
	}

	resolver.key = oldKey
	if _, err := s.GetAPIKeys(); !errors.Is(err, security.ErrIncorrectPassword) {
		t.Errorf("GetAPIKeys() under old key error = %v, want ErrIncorrectPassword", err)
	}
}

func TestReencryptWrongOldKeyFails(t *testing.T) {
	kv := store.NewMemory()
	key := mustKey(t)
	s := New(kv, &staticResolver{key: key, src: security.KeySourcePasswordDerived})
	if err := s.SaveAPIKeys(APIKeys{"openai": "sk-1"}); err != nil {
		t.Fatal(err)
	}
	before, _ := kv.Get(store.KeyAPIKeysEncrypted)

	err := s.Reencrypt(mustKey(t), mustKey(t))
	if !errors.Is(err, security.ErrIncorrectPassword) {
		t.Errorf("Reencrypt() error = %v, want ErrIncorrectPassword", err)
	}
	if after, _ := kv.Get(store.KeyAPIKeysEncrypted); after != before {
		t.Error("failed re-encryption must leave the blob untouched")
	}
}

func TestReencryptLegacyRoundTrip(t *testing.T) {
	kv := store.NewMemory()
	resolver := &staticResolver{src: security.KeySourceLegacy}
	s := New(kv, resolver)
	if err := s.SaveAPIKeys(APIKeys{"gemini": "g"}); err != nil {
		t.Fatal(err)
	}

	pw := mustKey(t)
	if err := s.Reencrypt(nil, pw); err != nil {
		t.Fatalf("Reencrypt(legacy, pw) error = %v", err)
	}
	if err := s.DeleteLegacyKey(); err != nil {
		t.Fatal(err)
	}

	if err := s.Reencrypt(pw, nil); err != nil {
		t.Fatalf("Reencrypt(pw, legacy) error = %v", err)
	}
	if !s.HasLegacyKey() {
		t.Error("re-encrypting to legacy should create a new legacy key")
	}
	got, err := s.GetAPIKeys()
	if err != nil || got["gemini"] != "g" {
		t.Errorf("GetAPIKeys() = %v, %v", got, err)
	}
}

func TestReencryptWithoutBlobIsNoop(t *testing.T) {
	kv := store.NewMemory()
	s := New(kv, &staticResolver{src: security.KeySourceLegacy})
	if err := s.Reencrypt(nil, mustKey(t)); err != nil {
		t.Errorf("Reencrypt() error = %v", err)
	}
	if s.HasEncrypted() || s.HasLegacyKey() {
		t.Error("no-op re-encryption must not write anything")
	}
}

func TestLegacyKeyCorrupt(t *testing.T) {
	kv := store.NewMemory()
	if err := kv.Put(store.KeyLegacyCryptoKey, "c2hvcnQ="); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(store.KeyAPIKeysEncrypted, "irrelevant"); err != nil {
		t.Fatal(err)
	}
	s := New(kv, &staticResolver{src: security.KeySourceLegacy})
	if _, err := s.GetAPIKeys(); !errors.Is(err, security.ErrDataCorrupted) {
		t.Errorf("GetAPIKeys() error = %v, want ErrDataCorrupted", err)
	}
}

func TestNormalizeProvider(t *testing.T) {
	if got := NormalizeProvider("  AnThRoPiC\t"); got != "anthropic" {
		t.Errorf("NormalizeProvider() = %q", got)
	}
	if got := NormalizeProvider(" \n "); got != "" {
		t.Errorf("NormalizeProvider(blank) = %q, want empty", got)
	}
}
