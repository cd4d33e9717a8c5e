package account

import (
	"fmt"
	"strings"

	"github.com/matthewhartstonge/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher defines the minimal hashing interface used by the credentialed auth mode.
type PasswordHasher interface {
	Hash(pw string) (hash string, algo string, err error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// NewPasswordHasher picks a hasher by name: "bcrypt" (default) or "argon2id".
func NewPasswordHasher(name string, bcryptCost int) (PasswordHasher, error) {
	switch strings.ToLower(name) {
	case "", "bcrypt":
		return BcryptHasher{Cost: bcryptCost}, nil
	case "argon2id", "argon2":
		return NewArgon2Hasher(), nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", name)
	}
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(pw string) (string, string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost())
	if err != nil {
		return "", "", err
	}
	return string(h), fmt.Sprintf("bcrypt:%d", b.cost()), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return c != b.cost()
}

// Argon2Hasher stores PHC-encoded argon2id hashes.
type Argon2Hasher struct {
	cfg argon2.Config
}

func NewArgon2Hasher() Argon2Hasher {
	return Argon2Hasher{cfg: argon2.DefaultConfig()}
}

func (a Argon2Hasher) Hash(pw string) (string, string, error) {
	encoded, err := a.cfg.HashEncoded([]byte(pw))
	if err != nil {
		return "", "", err
	}
	return string(encoded), "argon2id", nil
}

func (a Argon2Hasher) Verify(hash, pw string) bool {
	ok, err := argon2.VerifyEncoded([]byte(pw), []byte(hash))
	return err == nil && ok
}

func (a Argon2Hasher) NeedsRehash(hash string) bool {
	return !strings.HasPrefix(hash, "$argon2id$")
}

// verifierFor picks the hasher that produced a stored hash, so accounts
// keep working after PASSWORD_HASHER changes and get rehashed on login.
func verifierFor(algo string, current PasswordHasher) PasswordHasher {
	switch {
	case strings.HasPrefix(algo, "argon2"):
		return NewArgon2Hasher()
	case strings.HasPrefix(algo, "bcrypt"):
		return BcryptHasher{}
	}
	return current
}
