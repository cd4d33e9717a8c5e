package account

import (
	"fmt"
	"regexp"

	"github.com/caarlos0/env/v11"
)

// AuthMode selects, once per deployment, the secondary credential of email accounts.
type AuthMode string

const (
	// ModeInstitutional: email accounts log in with email + dateOfBirth.
	ModeInstitutional AuthMode = "institutional"
	// ModeCredentialed: email accounts log in with email + password.
	ModeCredentialed AuthMode = "credentialed"
)

// Policy holds the account rules that differ between deployments.
type Policy struct {
	Mode AuthMode `env:"AUTH_MODE" envDefault:"institutional"`
	// AdminEmailDomains restricts admin emails by suffix; "*" accepts any domain.
	AdminEmailDomains []string `env:"ADMIN_EMAIL_DOMAINS" envDefault:"msec.edu.in" envSeparator:","`
	InstitutionPrefix string   `env:"INSTITUTION_PREFIX" envDefault:"3115"`
	CategoryCodes     []string `env:"INSTITUTION_CATEGORY_CODES" envDefault:"103,104,105,106,114,205,243" envSeparator:","`
	YearMin           int      `env:"INSTITUTION_YEAR_MIN" envDefault:"22"`
	YearMax           int      `env:"INSTITUTION_YEAR_MAX" envDefault:"30"`

	PasswordMinLength      int    `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`
	PasswordRequireClasses bool   `env:"PASSWORD_REQUIRE_CLASSES" envDefault:"true"`
	PasswordHasher         string `env:"PASSWORD_HASHER" envDefault:"bcrypt"`
	BcryptCost             int    `env:"BCRYPT_COST" envDefault:"12"`
}

// DefaultPolicy returns the same values as an empty environment.
func DefaultPolicy() Policy {
	return Policy{
		Mode:                   ModeInstitutional,
		AdminEmailDomains:      []string{"msec.edu.in"},
		InstitutionPrefix:      "3115",
		CategoryCodes:          []string{"103", "104", "105", "106", "114", "205", "243"},
		YearMin:                22,
		YearMax:                30,
		PasswordMinLength:      8,
		PasswordRequireClasses: true,
		PasswordHasher:         "bcrypt",
		BcryptCost:             12,
	}
}

// PolicyFromEnv reads the account policy from environment variables.
func PolicyFromEnv() (Policy, error) {
	var p Policy
	if err := env.Parse(&p); err != nil {
		return Policy{}, fmt.Errorf("account policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

var (
	prefixPattern   = regexp.MustCompile(`^\d{4}$`)
	categoryPattern = regexp.MustCompile(`^\d{3}$`)
)

// Validate rejects a policy that could never accept a registration.
func (p Policy) Validate() error {
	if p.Mode != ModeInstitutional && p.Mode != ModeCredentialed {
		return fmt.Errorf("account policy: unknown AUTH_MODE %q", p.Mode)
	}
	if !prefixPattern.MatchString(p.InstitutionPrefix) {
		return fmt.Errorf("account policy: INSTITUTION_PREFIX must be 4 digits, got %q", p.InstitutionPrefix)
	}
	if len(p.CategoryCodes) == 0 {
		return fmt.Errorf("account policy: INSTITUTION_CATEGORY_CODES is empty")
	}
	for _, c := range p.CategoryCodes {
		if !categoryPattern.MatchString(c) {
			return fmt.Errorf("account policy: category code %q must be 3 digits", c)
		}
	}
	if p.YearMin < 0 || p.YearMax > 99 || p.YearMin > p.YearMax {
		return fmt.Errorf("account policy: invalid year range %d-%d", p.YearMin, p.YearMax)
	}
	if p.Mode == ModeCredentialed && p.PasswordMinLength < 1 {
		return fmt.Errorf("account policy: PASSWORD_MIN_LENGTH must be positive")
	}
	if p.PasswordMinLength > maxPasswordBytes {
		return fmt.Errorf("account policy: PASSWORD_MIN_LENGTH must not exceed %d", maxPasswordBytes)
	}
	return nil
}

func (p Policy) usesPasswords() bool { return p.Mode == ModeCredentialed }
