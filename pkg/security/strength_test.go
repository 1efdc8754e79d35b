package security

import (
	"reflect"
	"strings"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name        string
		password    string
		wantValid   bool
		wantStrong  bool
		wantMessage string
		wantMissing []string
	}{
		{
			name:        "too short",
			password:    "abc12",
			wantValid:   false,
			wantMessage: "Password must be at least 6 characters",
		},
		{
			name:        "empty",
			password:    "",
			wantValid:   false,
			wantMessage: "Password must be at least 6 characters",
		},
		{
			name:        "lowercase only",
			password:    "abcdef",
			wantValid:   true,
			wantMessage: "Weak password. Consider adding: 8+ characters, uppercase letter, number, special symbol",
			wantMissing: []string{MissingLength, MissingUppercase, MissingNumber, MissingSymbol},
		},
		{
			name:        "strong",
			password:    "Abcd123!",
			wantValid:   true,
			wantStrong:  true,
			wantMessage: "Strong password",
		},
		{
			name:        "long but no symbol",
			password:    "Abcdefgh123",
			wantValid:   true,
			wantMessage: "Weak password. Consider adding: special symbol",
			wantMissing: []string{MissingSymbol},
		},
		{
			name:        "uppercase digits symbols",
			password:    "ABC123$%",
			wantValid:   true,
			wantMessage: "Weak password. Consider adding: lowercase letter",
			wantMissing: []string{MissingLowercase},
		},
		{
			name:        "six multibyte characters",
			password:    "日本語パス1",
			wantValid:   true,
			wantMessage: "Weak password. Consider adding: 8+ characters, uppercase letter, lowercase letter, special symbol",
			wantMissing: []string{MissingLength, MissingUppercase, MissingLowercase, MissingSymbol},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidatePassword(tt.password)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.IsStrong != tt.wantStrong {
				t.Errorf("IsStrong = %v, want %v", got.IsStrong, tt.wantStrong)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMessage)
			}
			if !reflect.DeepEqual(got.Missing, tt.wantMissing) {
				t.Errorf("Missing = %v, want %v", got.Missing, tt.wantMissing)
			}
		})
	}
}

func TestValidatePasswordShortMentionsSixCharacters(t *testing.T) {
	if got := ValidatePassword("abc12"); !strings.Contains(got.Message, "6 characters") {
		t.Errorf("Message = %q, want mention of 6 characters", got.Message)
	}
}

func TestCheckPassword(t *testing.T) {
	if err := CheckPassword("123456"); err != nil {
		t.Errorf("CheckPassword(6 chars) error = %v", err)
	}
	if err := CheckPassword("12345"); err == nil {
		t.Error("CheckPassword(5 chars) should fail")
	}
}

func TestCredentialStrength_String(t *testing.T) {
	tests := []struct {
		strength CredentialStrength
		want     string
	}{
		{CredentialWeak, "Weak"},
		{CredentialFair, "Fair"},
		{CredentialGood, "Good"},
		{CredentialStrong, "Strong"},
		{CredentialStrength(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.strength.String(); got != tt.want {
				t.Errorf("CredentialStrength.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateCredential(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  CredentialStrength
	}{
		{"empty", "", CredentialWeak},
		{"15 chars", strings.Repeat("a", 15), CredentialWeak},
		{"16 chars", strings.Repeat("a", 16), CredentialFair},
		{"20 chars", strings.Repeat("a", 20), CredentialGood},
		{"32 chars", strings.Repeat("a", 32), CredentialStrong},
		{"padded", "  " + strings.Repeat("a", 15) + "  ", CredentialWeak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RateCredential(tt.value); got != tt.want {
				t.Errorf("RateCredential() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindDuplicates(t *testing.T) {
	keys := map[string]string{
		"openai":    "sk-shared-credential-value",
		"anthropic": "sk-shared-credential-value ",
		"gemini":    "AIza-unique",
		"mistral":   "",
	}

	groups, err := FindDuplicates(keys)
	if err != nil {
		t.Fatalf("FindDuplicates() error = %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	want := []string{"anthropic", "openai"}
	if !reflect.DeepEqual(groups[0].Providers, want) || groups[0].Count != 2 {
		t.Errorf("group = %+v, want providers %v", groups[0], want)
	}
}

func TestAnalyzeCredentials(t *testing.T) {
	report, err := AnalyzeCredentials(map[string]string{
		"openai": "short",
		"gemini": strings.Repeat("x", 40),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 2 {
		t.Errorf("Total = %d, want 2", report.Total)
	}
	if len(report.Weak) != 1 || report.Weak[0].Provider != "openai" {
		t.Errorf("Weak = %+v, want openai", report.Weak)
	}
	if len(report.Duplicates) != 0 {
		t.Errorf("Duplicates = %+v, want none", report.Duplicates)
	}
}
