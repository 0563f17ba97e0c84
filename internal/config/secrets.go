package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"unicode"
)

// Environment constants
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// MinJWTSecretLength is the shortest signing key accepted in production.
const MinJWTSecretLength = 32

// ValidationError collects every configuration problem found by Validate.
type ValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing settings: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid settings: %s", strings.Join(e.Invalid, ", ")))
	}
	return strings.Join(parts, "; ")
}

// HasErrors reports whether any setting is missing or invalid.
func (e *ValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// GetEnvironment returns the current environment
func GetEnvironment() string {
	// Check multiple environment variables for compatibility
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = os.Getenv("BOTHOST_ENV")
	}
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = EnvDevelopment
	}
	return strings.ToLower(env)
}

// --- Strict Validators ---

// validateJWTSecret enforces a strong JWT signing key.
func validateJWTSecret(secret string) error {
	if len(secret) < MinJWTSecretLength {
		return fmt.Errorf("must be at least %d characters", MinJWTSecretLength)
	}

	// Blocklist of known weak/placeholder values
	weakSecrets := []string{
		"secret",
		"jwt-secret",
		"jwt_secret",
		"your-secret",
		"changeme",
		"password",
		"test",
		"development",
		"example",
		"default",
		"placeholder",
		"replace-me",
		"todo",
		"fixme",
		"bothost",
	}

	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	// Reject if it's entirely alphabetic or entirely numeric
	allAlpha := true
	allDigit := true
	for _, c := range secret {
		if !unicode.IsLetter(c) {
			allAlpha = false
		}
		if !unicode.IsDigit(c) {
			allDigit = false
		}
	}
	if allAlpha {
		return errors.New("must contain non-alphabetic characters for sufficient entropy")
	}
	if allDigit {
		return errors.New("must contain non-numeric characters for sufficient entropy")
	}

	entropy := shannonEntropy(secret)
	if entropy < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", entropy)
	}

	// Reject repeating patterns like "abcabc" or "aaaaaa"
	if hasRepeatingPattern(secret) {
		return errors.New("appears to contain a repeating pattern")
	}

	return nil
}

// validateDatabaseURL checks a PostgreSQL connection URL. Production
// deployments must not run on the embedded SQLite database.
func validateDatabaseURL(rawURL string) error {
	if !strings.HasPrefix(rawURL, "postgres://") && !strings.HasPrefix(rawURL, "postgresql://") {
		return errors.New("must be a PostgreSQL connection URL (postgres:// or postgresql://)")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return errors.New("database URL must include a hostname")
	}

	if parsed.User != nil {
		if password, ok := parsed.User.Password(); ok {
			for _, weak := range []string{"password", "postgres", "changeme", "test", "example", "bothost"} {
				if strings.EqualFold(password, weak) {
					return fmt.Errorf("database password %q is a known default", weak)
				}
			}
		}
	}

	return nil
}

// --- Entropy Helpers ---

// shannonEntropy calculates Shannon entropy in bits per character.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// hasRepeatingPattern detects simple repeating patterns (e.g., "abcabc").
func hasRepeatingPattern(s string) bool {
	n := len(s)
	if n < 6 {
		return false
	}
	for patLen := 1; patLen <= n/2; patLen++ {
		pattern := s[:patLen]
		isRepeat := true
		for i := patLen; i < n; i++ {
			if s[i] != pattern[i%patLen] {
				isRepeat = false
				break
			}
		}
		if isRepeat {
			return true
		}
	}
	return false
}

// GenerateSecureSecret generates a cryptographically secure random secret
func GenerateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
