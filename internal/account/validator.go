package account

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
)

// RegisterPayload is the body of POST /auth/register.
type RegisterPayload struct {
	InstitutionalID string `json:"institutionalId"`
	DisplayName     string `json:"displayName"`
	Email           string `json:"email"`
	DateOfBirth     string `json:"dateOfBirth"`
	Password        string `json:"password"`
}

// LoginPayload is the body of POST /auth/login.
type LoginPayload struct {
	InstitutionalID string `json:"institutionalId"`
	Email           string `json:"email"`
	DateOfBirth     string `json:"dateOfBirth"`
	Password        string `json:"password"`
}

// UpdatePayload is a partial patch; nil fields are left untouched.
// Role and Status are decoded only so that they can be rejected or checked.
type UpdatePayload struct {
	DisplayName     *string `json:"displayName"`
	InstitutionalID *string `json:"institutionalId"`
	Email           *string `json:"email"`
	DateOfBirth     *string `json:"dateOfBirth"`
	Password        *string `json:"password"`
	Role            *string `json:"role"`
	Status          *string `json:"status"`
}

// RegistrationClaim is either an InstitutionalRegistration or an AdminRegistration.
type RegistrationClaim interface {
	identityKey() entity.IdentityKey
}

type InstitutionalRegistration struct {
	InstitutionalID string
	DisplayName     string
	DateOfBirth     time.Time
}

func (c InstitutionalRegistration) identityKey() entity.IdentityKey {
	return entity.IdentityKey{Kind: entity.KindInstitutional, Value: c.InstitutionalID}
}

type AdminRegistration struct {
	Email       string
	DisplayName *string
	DateOfBirth *time.Time
	// Password is set only in the credentialed auth mode.
	Password string
}

func (c AdminRegistration) identityKey() entity.IdentityKey {
	return entity.IdentityKey{Kind: entity.KindCredentialed, Value: c.Email}
}

// LoginClaim is either an InstitutionalLogin or an AdminLogin.
type LoginClaim interface {
	identityKey() entity.IdentityKey
}

type InstitutionalLogin struct {
	InstitutionalID string
	DateOfBirth     time.Time
}

func (c InstitutionalLogin) identityKey() entity.IdentityKey {
	return entity.IdentityKey{Kind: entity.KindInstitutional, Value: c.InstitutionalID}
}

type AdminLogin struct {
	Email string
	// Exactly one of DateOfBirth / Password is set, following the auth mode.
	DateOfBirth *time.Time
	Password    string
}

func (c AdminLogin) identityKey() entity.IdentityKey {
	return entity.IdentityKey{Kind: entity.KindCredentialed, Value: c.Email}
}

// Patch is a validated UpdatePayload.
type Patch struct {
	DisplayName     *string
	InstitutionalID *string
	Email           *string
	DateOfBirth     *time.Time
	Password        *string
	Status          *entity.Status
}

func (p Patch) Empty() bool {
	return p.DisplayName == nil && p.InstitutionalID == nil && p.Email == nil &&
		p.DateOfBirth == nil && p.Password == nil && p.Status == nil
}

// Validator checks the shape of identity claims. It never touches storage.
type Validator struct {
	policy     Policy
	idPattern  *regexp.Regexp
	categories map[string]bool
	domains    []string
	now        func() time.Time
}

func NewValidator(p Policy) *Validator {
	v := &Validator{
		policy:     p,
		idPattern:  regexp.MustCompile(`^` + regexp.QuoteMeta(p.InstitutionPrefix) + `(\d{2})(\d{3})(\d{3})$`),
		categories: make(map[string]bool, len(p.CategoryCodes)),
		now:        time.Now,
	}
	for _, c := range p.CategoryCodes {
		v.categories[strings.TrimSpace(c)] = true
	}
	for _, d := range p.AdminEmailDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d == "*" {
			v.domains = nil
			break
		}
		if d != "" {
			v.domains = append(v.domains, d)
		}
	}
	return v
}

// Registration validates a registration payload and returns the branch it matched.
func (v *Validator) Registration(p RegisterPayload) (RegistrationClaim, error) {
	id := strings.TrimSpace(p.InstitutionalID)
	email := normalizeEmail(p.Email)
	name := strings.TrimSpace(p.DisplayName)
	dob := strings.TrimSpace(p.DateOfBirth)

	if err := identityBranch(id, email); err != nil {
		return nil, err
	}

	errs := &ValidationError{}
	if id != "" {
		v.check(errs, "institutionalId", id, v.institutionalIDRules()...)
		v.check(errs, "displayName", name, validation.Required.Error("displayName is required"), nameLength())
		v.check(errs, "dateOfBirth", dob, validation.Required.Error("dateOfBirth is required"), v.dateRule())
		if err := errs.errOrNil(); err != nil {
			return nil, err
		}
		d, _ := time.Parse(entity.DateLayout, dob)
		return InstitutionalRegistration{InstitutionalID: id, DisplayName: name, DateOfBirth: d}, nil
	}

	v.check(errs, "email", email, v.emailRules()...)
	v.check(errs, "displayName", name, nameLength())
	if v.policy.usesPasswords() {
		v.check(errs, "dateOfBirth", dob, v.dateRule())
		v.check(errs, "password", p.Password, validation.Required.Error("password is required"), v.passwordRule())
	} else {
		v.check(errs, "dateOfBirth", dob, validation.Required.Error("dateOfBirth is required"), v.dateRule())
	}
	if err := errs.errOrNil(); err != nil {
		return nil, err
	}

	claim := AdminRegistration{Email: email, Password: p.Password}
	if name != "" {
		claim.DisplayName = &name
	}
	if dob != "" {
		d, _ := time.Parse(entity.DateLayout, dob)
		claim.DateOfBirth = &d
	}
	return claim, nil
}

// Login validates a login payload. Format failures are reported as field
// errors; whether the key exists is left to the service.
func (v *Validator) Login(p LoginPayload) (LoginClaim, error) {
	id := strings.TrimSpace(p.InstitutionalID)
	email := normalizeEmail(p.Email)
	dob := strings.TrimSpace(p.DateOfBirth)

	if err := identityBranch(id, email); err != nil {
		return nil, err
	}

	errs := &ValidationError{}
	if id != "" {
		v.check(errs, "institutionalId", id, v.institutionalIDRules()...)
		v.check(errs, "dateOfBirth", dob, validation.Required.Error("dateOfBirth is required"), v.dateFormatRule())
		if err := errs.errOrNil(); err != nil {
			return nil, err
		}
		d, _ := time.Parse(entity.DateLayout, dob)
		return InstitutionalLogin{InstitutionalID: id, DateOfBirth: d}, nil
	}

	v.check(errs, "email", email, v.emailRules()...)
	if v.policy.usesPasswords() {
		v.check(errs, "password", p.Password, validation.Required.Error("password is required"))
	} else {
		v.check(errs, "dateOfBirth", dob, validation.Required.Error("dateOfBirth is required"), v.dateFormatRule())
	}
	if err := errs.errOrNil(); err != nil {
		return nil, err
	}

	claim := AdminLogin{Email: email}
	if v.policy.usesPasswords() {
		claim.Password = p.Password
	} else {
		d, _ := time.Parse(entity.DateLayout, dob)
		claim.DateOfBirth = &d
	}
	return claim, nil
}

// Update validates a patch against the account it targets. byAdmin is true
// only when an admin acts on another account.
func (v *Validator) Update(p UpdatePayload, target *entity.Account, byAdmin bool) (Patch, error) {
	var out Patch
	errs := &ValidationError{}

	if p.DisplayName != nil {
		name := strings.TrimSpace(*p.DisplayName)
		v.check(errs, "displayName", name, validation.Required.Error("displayName cannot be empty"), nameLength())
		out.DisplayName = &name
	}

	if p.InstitutionalID != nil {
		id := strings.TrimSpace(*p.InstitutionalID)
		if target.Kind != entity.KindInstitutional {
			errs.add("institutionalId", "institutionalId cannot be set on an admin account")
		} else {
			v.check(errs, "institutionalId", id, v.institutionalIDRules()...)
		}
		out.InstitutionalID = &id
	}

	if p.Email != nil {
		email := normalizeEmail(*p.Email)
		if target.Kind != entity.KindCredentialed {
			errs.add("email", "email cannot be set on an institutional account")
		} else {
			v.check(errs, "email", email, v.emailRules()...)
		}
		out.Email = &email
	}

	if p.DateOfBirth != nil {
		dob := strings.TrimSpace(*p.DateOfBirth)
		v.check(errs, "dateOfBirth", dob, validation.Required.Error("dateOfBirth cannot be empty"), v.dateRule())
		if d, err := time.Parse(entity.DateLayout, dob); err == nil {
			out.DateOfBirth = &d
		}
	}

	if p.Password != nil {
		if !v.policy.usesPasswords() || target.Kind != entity.KindCredentialed {
			errs.add("password", "password is not used by this account")
		} else {
			v.check(errs, "password", *p.Password, validation.Required.Error("password cannot be empty"), v.passwordRule())
		}
		out.Password = p.Password
	}

	if p.Role != nil {
		errs.add("role", "role cannot be changed")
	}

	if p.Status != nil {
		s := entity.Status(strings.TrimSpace(*p.Status))
		switch {
		case !byAdmin:
			errs.add("status", "status can only be changed by an admin")
		case !s.Valid():
			errs.add("status", "status must be one of active, inactive, suspended")
		}
		out.Status = &s
	}

	if err := errs.errOrNil(); err != nil {
		return Patch{}, err
	}
	return out, nil
}

// check runs the rules for one field and records the first failure.
func (v *Validator) check(errs *ValidationError, field string, value any, rules ...validation.Rule) {
	if err := validation.Validate(value, rules...); err != nil {
		errs.add(field, err.Error())
	}
}

func identityBranch(id, email string) error {
	switch {
	case id != "" && email != "":
		return newValidationError("identity", "provide either email or institutionalId, not both")
	case id == "" && email == "":
		return newValidationError("identity", "either email (admin) or institutionalId (user) is required")
	}
	return nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nameLength() validation.Rule {
	return validation.Length(3, 50).Error("displayName must be between 3 and 50 characters")
}

func (v *Validator) institutionalIDRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("institutionalId is required"),
		validation.By(v.checkInstitutionalID),
	}
}

func (v *Validator) checkInstitutionalID(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	m := v.idPattern.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("institutionalId must look like %sYYCCCNNN", v.policy.InstitutionPrefix)
	}
	year, _ := strconv.Atoi(m[1])
	if year < v.policy.YearMin || year > v.policy.YearMax {
		return fmt.Errorf("institutionalId year code must be between %02d and %02d", v.policy.YearMin, v.policy.YearMax)
	}
	if !v.categories[m[2]] {
		return fmt.Errorf("institutionalId category code %s is not recognised", m[2])
	}
	if seq, _ := strconv.Atoi(m[3]); seq < 1 {
		return errors.New("institutionalId sequence must be between 001 and 999")
	}
	return nil
}

// Storage and hashing limits. bcrypt rejects passwords longer than 72 bytes.
const (
	maxEmailLen      = 254
	maxPasswordBytes = 72
)

func (v *Validator) emailRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("email is required"),
		validation.Length(0, maxEmailLen).Error(fmt.Sprintf("email must be at most %d characters", maxEmailLen)),
		is.Email.Error("email must be a valid email address"),
		validation.By(v.checkDomain),
	}
}

func (v *Validator) checkDomain(value interface{}) error {
	s, _ := value.(string)
	if s == "" || len(v.domains) == 0 {
		return nil
	}
	for _, d := range v.domains {
		if strings.HasSuffix(s, "@"+d) {
			return nil
		}
	}
	return fmt.Errorf("admin email must end with @%s", strings.Join(v.domains, " or @"))
}

// dateFormatRule only checks the layout; login must not reveal more than that.
func (v *Validator) dateFormatRule() validation.Rule {
	return validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		if _, err := time.Parse(entity.DateLayout, s); err != nil {
			return errors.New("dateOfBirth must be a valid date (YYYY-MM-DD)")
		}
		return nil
	})
}

func (v *Validator) dateRule() validation.Rule {
	return validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		d, err := time.Parse(entity.DateLayout, s)
		if err != nil {
			return errors.New("dateOfBirth must be a valid date (YYYY-MM-DD)")
		}
		if d.After(v.now()) {
			return errors.New("dateOfBirth cannot be in the future")
		}
		return nil
	})
}

func (v *Validator) passwordRule() validation.Rule {
	return validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		if len([]rune(s)) < v.policy.PasswordMinLength {
			return fmt.Errorf("password must be at least %d characters", v.policy.PasswordMinLength)
		}
		if len(s) > maxPasswordBytes {
			return fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
		}
		if !v.policy.PasswordRequireClasses {
			return nil
		}
		var lower, upper, digit, special bool
		for _, r := range s {
			switch {
			case unicode.IsLower(r):
				lower = true
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsDigit(r):
				digit = true
			case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
				special = true
			}
		}
		if !lower || !upper || !digit || !special {
			return errors.New("password must contain lowercase, uppercase, digit and special characters")
		}
		return nil
	})
}
