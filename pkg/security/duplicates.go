package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DuplicateGroup is a set of providers configured with the same credential.
type DuplicateGroup struct {
	Providers []string `json:"providers"`
	Count     int      `json:"count"`
}

// CredentialIssue describes a weak stored credential.
type CredentialIssue struct {
	Provider string             `json:"provider"`
	Strength CredentialStrength `json:"strength"`
	Message  string             `json:"message"`
}

// CredentialReport summarizes the health of the stored API keys. It never
// contains credential values.
type CredentialReport struct {
	Total      int               `json:"total"`
	Duplicates []DuplicateGroup  `json:"duplicates,omitempty"`
	Weak       []CredentialIssue `json:"weak,omitempty"`
}

// AnalyzeCredentials builds a CredentialReport for keys.
func AnalyzeCredentials(keys map[string]string) (*CredentialReport, error) {
	dups, err := FindDuplicates(keys)
	if err != nil {
		return nil, err
	}
	return &CredentialReport{
		Total:      len(keys),
		Duplicates: dups,
		Weak:       FindWeak(keys),
	}, nil
}

// FindDuplicates groups providers that share a credential. Values are
// compared through HMAC-SHA256 under a key that lives only for this call.
// Groups are sorted by size, largest first.
func FindDuplicates(keys map[string]string) ([]DuplicateGroup, error) {
	hmacKey := make([]byte, 32)
	if _, err := rand.Read(hmacKey); err != nil {
		return nil, fmt.Errorf("security: failed to generate comparison key: %w", err)
	}

	byHash := make(map[string][]string)
	for provider, value := range keys {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		h := computeValueHash(value, hmacKey)
		byHash[h] = append(byHash[h], provider)
	}

	var groups []DuplicateGroup
	for _, providers := range byHash {
		if len(providers) <= 1 {
			continue
		}
		sort.Strings(providers)
		groups = append(groups, DuplicateGroup{Providers: providers, Count: len(providers)})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Providers[0] < groups[j].Providers[0]
	})
	return groups, nil
}

// FindWeak returns the providers whose credential rates CredentialWeak,
// sorted by provider.
func FindWeak(keys map[string]string) []CredentialIssue {
	var issues []CredentialIssue
	for provider, value := range keys {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if s := RateCredential(value); s == CredentialWeak {
			issues = append(issues, CredentialIssue{
				Provider: provider,
				Strength: s,
				Message:  fmt.Sprintf("credential is only %d characters", len(strings.TrimSpace(value))),
			})
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Provider < issues[j].Provider })
	return issues
}

func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
