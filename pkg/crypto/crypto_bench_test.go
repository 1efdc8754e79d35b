package crypto_test

import (
	"crypto/rand"
	"testing"

	"github.com/forest6511/horizen/pkg/crypto"
)

// BenchmarkDeriveKey measures PBKDF2-SHA256 derivation at the default cost.
// This is the deliberate brute-force control and dominates unlock latency.
func BenchmarkDeriveKey(b *testing.B) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.DeriveKey([]byte("testpassword123!"), salt, crypto.DefaultIterations); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSecureWipe measures secure memory wiping performance.
func BenchmarkSecureWipe(b *testing.B) {
	data := make([]byte, 1024)

	b.ReportAllocs()
	b.SetBytes(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		crypto.SecureWipe(data)
	}
}

func BenchmarkSealString1KB(b *testing.B) {
	benchmarkSeal(b, 1024)
}

func BenchmarkSealString100KB(b *testing.B) {
	benchmarkSeal(b, 100*1024)
}

func BenchmarkOpenString1KB(b *testing.B) {
	benchmarkOpen(b, 1024)
}

func BenchmarkOpenString100KB(b *testing.B) {
	benchmarkOpen(b, 100*1024)
}

func benchmarkSeal(b *testing.B, size int) {
	b.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.SealString(key, data); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkOpen(b *testing.B, size int) {
	b.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		b.Fatal(err)
	}
	encoded, err := crypto.SealString(key, data)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.OpenString(key, encoded); err != nil {
			b.Fatal(err)
		}
	}
}
