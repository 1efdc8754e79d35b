// Package security manages horizen's password lifecycle.
//
// It owns the persisted security config, the verification token used to
// detect wrong passwords, the unlock/lock state machine, and the password
// and credential strength rules. The error taxonomy shared by the other
// packages lives here too.
package security

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinPasswordLength is the shortest password accepted anywhere.
const MinPasswordLength = 6

// StrongPasswordLength is the length a strong password needs.
const StrongPasswordLength = 8

// Missing-class labels, listed in the order they are reported.
const (
	MissingLength    = "8+ characters"
	MissingUppercase = "uppercase letter"
	MissingLowercase = "lowercase letter"
	MissingNumber    = "number"
	MissingSymbol    = "special symbol"
)

// PasswordValidation is the result of ValidatePassword.
type PasswordValidation struct {
	Valid    bool     `json:"valid"`
	Message  string   `json:"message"`
	IsStrong bool     `json:"isStrong"`
	Missing  []string `json:"missing,omitempty"`
}

// ValidatePassword classifies password. It is invalid only when shorter than
// MinPasswordLength characters. It is strong when it has at least
// StrongPasswordLength characters and contains an uppercase letter, a
// lowercase letter, a digit and a symbol; otherwise the message lists what is
// missing.
func ValidatePassword(password string) PasswordValidation {
	length := utf8.RuneCountInString(password)
	if length < MinPasswordLength {
		return PasswordValidation{
			Valid:   false,
			Message: "Password must be at least 6 characters",
		}
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r):
			hasSymbol = true
		}
	}

	var missing []string
	if length < StrongPasswordLength {
		missing = append(missing, MissingLength)
	}
	if !hasUpper {
		missing = append(missing, MissingUppercase)
	}
	if !hasLower {
		missing = append(missing, MissingLowercase)
	}
	if !hasDigit {
		missing = append(missing, MissingNumber)
	}
	if !hasSymbol {
		missing = append(missing, MissingSymbol)
	}

	if len(missing) == 0 {
		return PasswordValidation{Valid: true, IsStrong: true, Message: "Strong password"}
	}
	return PasswordValidation{
		Valid:   true,
		Message: "Weak password. Consider adding: " + strings.Join(missing, ", "),
		Missing: missing,
	}
}

// CheckPassword returns a *ValidationError when password is too short.
func CheckPassword(password string) error {
	if v := ValidatePassword(password); !v.Valid {
		return &ValidationError{Field: "password", Message: v.Message}
	}
	return nil
}

// CredentialStrength rates a stored provider credential.
type CredentialStrength int

const (
	// CredentialWeak is shorter than 16 characters.
	CredentialWeak CredentialStrength = iota
	// CredentialFair is 16-19 characters.
	CredentialFair
	// CredentialGood is 20-31 characters.
	CredentialGood
	// CredentialStrong is 32 characters or more.
	CredentialStrong
)

func (s CredentialStrength) String() string {
	switch s {
	case CredentialWeak:
		return "Weak"
	case CredentialFair:
		return "Fair"
	case CredentialGood:
		return "Good"
	case CredentialStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// RateCredential rates a machine-generated API key by length, which for
// random tokens tracks entropy.
func RateCredential(value string) CredentialStrength {
	switch n := len(strings.TrimSpace(value)); {
	case n >= 32:
		return CredentialStrong
	case n >= 20:
		return CredentialGood
	case n >= 16:
		return CredentialFair
	default:
		return CredentialWeak
	}
}
