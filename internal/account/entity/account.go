package entity

import "time"

// IdentityKind tells which identity key is the login key of an account.
type IdentityKind string

const (
	KindInstitutional IdentityKind = "institutional"
	KindCredentialed  IdentityKind = "credentialed"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// RoleForKind is the only place a role is derived; roles are never taken from clients.
func RoleForKind(k IdentityKind) Role {
	if k == KindCredentialed {
		return RoleAdmin
	}
	return RoleUser
}

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// BlockedMessage is shown to a client whose account status prevents authentication.
func (s Status) BlockedMessage() string {
	return "Account is " + string(s) + ". Please contact support."
}

// DateLayout is the wire and storage format of dateOfBirth.
const DateLayout = "2006-01-02"

// Account represents a row in the `accounts` table.
// Exactly one of InstitutionalID / Email is the login key, selected by Kind.
type Account struct {
	ID              string       `db:"id"`
	DisplayName     *string      `db:"display_name"`
	Kind            IdentityKind `db:"identity_kind"`
	InstitutionalID *string      `db:"institutional_id"`
	Email           *string      `db:"email"`
	DateOfBirth     *time.Time   `db:"date_of_birth"`
	PasswordHash    *string      `db:"password_hash"`
	PasswordAlgo    *string      `db:"password_algo"`
	Role            Role         `db:"role"`
	Status          Status       `db:"status"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	DeletedAt       *time.Time   `db:"deleted_at"`
}

func (a *Account) IsDeleted() bool { return a.DeletedAt != nil }

func (a *Account) IsAdmin() bool { return a.Role == RoleAdmin }

// IdentityKey returns the login key of the account.
func (a *Account) IdentityKey() IdentityKey {
	if a.Kind == KindInstitutional && a.InstitutionalID != nil {
		return IdentityKey{Kind: KindInstitutional, Value: *a.InstitutionalID}
	}
	if a.Email != nil {
		return IdentityKey{Kind: KindCredentialed, Value: *a.Email}
	}
	return IdentityKey{Kind: a.Kind}
}

// IdentityKey is the unique field used to find an account at login.
type IdentityKey struct {
	Kind  IdentityKind
	Value string
}

// Profile is the role-shaped projection returned to clients. It never
// carries password material.
type Profile struct {
	ID              string     `json:"id"`
	DisplayName     *string    `json:"displayName,omitempty"`
	InstitutionalID *string    `json:"institutionalId,omitempty"`
	Email           *string    `json:"email,omitempty"`
	Role            Role       `json:"role"`
	DateOfBirth     *string    `json:"dateOfBirth,omitempty"`
	Status          Status     `json:"status,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

// ProfileOf exposes institutionalId for institutional accounts and email for
// credentialed ones.
func ProfileOf(a *Account) Profile {
	p := Profile{ID: a.ID, DisplayName: a.DisplayName, Role: a.Role}
	if a.Kind == KindInstitutional {
		p.InstitutionalID = a.InstitutionalID
	} else {
		p.Email = a.Email
	}
	if a.DateOfBirth != nil {
		d := a.DateOfBirth.Format(DateLayout)
		p.DateOfBirth = &d
	}
	return p
}

// DetailOf extends the profile with lifecycle fields for admin listings.
func DetailOf(a *Account) Profile {
	p := ProfileOf(a)
	p.Status = a.Status
	created, updated := a.CreatedAt, a.UpdatedAt
	p.CreatedAt = &created
	p.UpdatedAt = &updated
	return p
}

// Filter selects accounts for admin listings.
type Filter struct {
	Role   Role
	Status Status
	Search string
	Page   int
	Limit  int
}

func (f Filter) Offset() int { return (f.Page - 1) * f.Limit }

// Page is one page of accounts plus the total matching count.
type Page struct {
	Accounts []*Account
	Total    int
}
