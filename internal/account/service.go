package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/metrics"
)

// Store is the persistence contract; *repo.AccountRepo implements it.
type Store interface {
	Create(ctx context.Context, a *entity.Account) error
	FindByID(ctx context.Context, id string, includeDeleted bool) (*entity.Account, error)
	FindByIdentityKey(ctx context.Context, key entity.IdentityKey, includeDeleted bool) (*entity.Account, error)
	List(ctx context.Context, f entity.Filter) (*entity.Page, error)
	Update(ctx context.Context, a *entity.Account) error
	SoftDelete(ctx context.Context, id string) error
	HardDelete(ctx context.Context, id string) error
}

type TokenIssuer interface {
	Issue(accountID string) (string, time.Time, error)
}

type IDGenerator interface {
	NewID() string
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	User      entity.Profile `json:"user"`
}

// ListQuery is the raw admin listing query; zero values mean defaults.
type ListQuery struct {
	Page   int
	Limit  int
	Role   string
	Status string
	Search string
}

type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type ListResult struct {
	Users      []entity.Profile `json:"users"`
	Pagination Pagination       `json:"pagination"`
}

// Service orchestrates registration, login and account management.
type Service struct {
	store     Store
	tokens    TokenIssuer
	hasher    PasswordHasher
	validator *Validator
	policy    Policy
	ids       IDGenerator
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger

	// dummyHash is verified when a login key is unknown, so both failure
	// paths cost one hash comparison.
	dummyHash string
}

func NewService(store Store, tokens TokenIssuer, hasher PasswordHasher, policy Policy, ids IDGenerator, m *metrics.Metrics, logger *zap.SugaredLogger) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:     store,
		tokens:    tokens,
		hasher:    hasher,
		validator: NewValidator(policy),
		policy:    policy,
		ids:       ids,
		metrics:   m,
		logger:    logger,
	}
	if policy.usesPasswords() {
		if hasher == nil {
			return nil, errors.New("account service: credentialed mode needs a password hasher")
		}
		h, _, err := hasher.Hash("not-a-real-password")
		if err != nil {
			return nil, fmt.Errorf("account service: dummy hash: %w", err)
		}
		s.dummyHash = h
	}
	return s, nil
}

// Register validates p, creates the account and issues a token for it.
func (s *Service) Register(ctx context.Context, p RegisterPayload) (*AuthResult, error) {
	claim, err := s.validator.Registration(p)
	if err != nil {
		s.metrics.AccountEvent("register", "invalid")
		return nil, err
	}

	// The unique index decides races; this lookup only avoids hashing for
	// an obvious duplicate.
	if _, err := s.store.FindByIdentityKey(ctx, claim.identityKey(), false); err == nil {
		s.metrics.AccountEvent("register", "conflict")
		return nil, ErrConflict
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("register: lookup: %w", err)
	}

	a, err := s.newAccount(claim)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			s.metrics.AccountEvent("register", "conflict")
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("register: create: %w", err)
	}

	res, err := s.issue(a)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	s.metrics.AccountEvent("register", "ok")
	s.logger.Infow("account registered", "account_id", a.ID, "role", a.Role, "kind", a.Kind)
	return res, nil
}

func (s *Service) newAccount(claim RegistrationClaim) (*entity.Account, error) {
	a := &entity.Account{ID: s.ids.NewID(), Status: entity.StatusActive}
	switch c := claim.(type) {
	case InstitutionalRegistration:
		a.Kind = entity.KindInstitutional
		a.InstitutionalID = &c.InstitutionalID
		a.DisplayName = &c.DisplayName
		a.DateOfBirth = &c.DateOfBirth
	case AdminRegistration:
		a.Kind = entity.KindCredentialed
		a.Email = &c.Email
		a.DisplayName = c.DisplayName
		a.DateOfBirth = c.DateOfBirth
		if c.Password != "" {
			if err := s.setPassword(a, c.Password); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown registration claim %T", claim)
	}
	a.Role = entity.RoleForKind(a.Kind)
	return a, nil
}

func (s *Service) setPassword(a *entity.Account, pw string) error {
	h, algo, err := s.hasher.Hash(pw)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	a.PasswordHash, a.PasswordAlgo = &h, &algo
	return nil
}

// Login checks the identity key and secondary credential. Every mismatch
// returns ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, p LoginPayload) (*AuthResult, error) {
	claim, err := s.validator.Login(p)
	if err != nil {
		s.metrics.AccountEvent("login", "invalid")
		return nil, err
	}

	a, err := s.store.FindByIdentityKey(ctx, claim.identityKey(), false)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("login: lookup: %w", err)
	}
	if err != nil {
		a = nil
	}

	if !s.matches(claim, a) {
		s.metrics.AccountEvent("login", "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if a.Status != entity.StatusActive {
		s.metrics.AccountEvent("login", "blocked")
		return nil, &StatusError{Status: a.Status}
	}

	if c, ok := claim.(AdminLogin); ok && c.Password != "" {
		s.maybeRehash(ctx, a, c.Password)
	}

	res, err := s.issue(a)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	s.metrics.AccountEvent("login", "ok")
	s.logger.Debugw("account logged in", "account_id", a.ID)
	return res, nil
}

// matches compares the secondary credential in constant time. a may be nil.
func (s *Service) matches(claim LoginClaim, a *entity.Account) bool {
	switch c := claim.(type) {
	case InstitutionalLogin:
		ok := sameDate(dateOf(a), c.DateOfBirth)
		return ok && a != nil && a.Kind == entity.KindInstitutional
	case AdminLogin:
		if c.DateOfBirth != nil {
			ok := sameDate(dateOf(a), *c.DateOfBirth)
			return ok && a != nil && a.Kind == entity.KindCredentialed
		}
		hash, verifier := s.dummyHash, s.hasher
		known := a != nil && a.Kind == entity.KindCredentialed && a.PasswordHash != nil
		if known {
			hash = *a.PasswordHash
			verifier = verifierFor(deref(a.PasswordAlgo), s.hasher)
		}
		ok := verifier.Verify(hash, c.Password)
		return ok && known
	}
	return false
}

func (s *Service) maybeRehash(ctx context.Context, a *entity.Account, pw string) {
	if a.PasswordHash == nil {
		return
	}
	if !s.hasher.NeedsRehash(*a.PasswordHash) {
		return
	}
	if err := s.setPassword(a, pw); err != nil {
		s.logger.Warnw("rehash password", "account_id", a.ID, "err", err)
		return
	}
	if err := s.store.Update(ctx, a); err != nil {
		s.logger.Warnw("store rehashed password", "account_id", a.ID, "err", err)
	}
}

func (s *Service) issue(a *entity.Account) (*AuthResult, error) {
	tok, exp, err := s.tokens.Issue(a.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{Token: tok, ExpiresAt: exp, User: entity.ProfileOf(a)}, nil
}

// GetProfile returns the role-shaped projection of the caller's own account.
func (s *Service) GetProfile(ctx context.Context, accountID string) (entity.Profile, error) {
	a, err := s.load(ctx, accountID)
	if err != nil {
		return entity.Profile{}, err
	}
	return entity.ProfileOf(a), nil
}

// GetAccount reads one account for its owner or an admin.
func (s *Service) GetAccount(ctx context.Context, requester *entity.Account, targetID string) (entity.Profile, error) {
	if !auth.CanAccess(requester, targetID, entity.RoleAdmin) {
		return entity.Profile{}, ErrForbidden
	}
	a, err := s.load(ctx, targetID)
	if err != nil {
		return entity.Profile{}, err
	}
	return s.project(requester, a), nil
}

// ListAccounts is admin-only.
func (s *Service) ListAccounts(ctx context.Context, requester *entity.Account, q ListQuery) (*ListResult, error) {
	if !requester.IsAdmin() {
		return nil, ErrForbidden
	}

	f := entity.Filter{Page: q.Page, Limit: q.Limit, Search: strings.TrimSpace(q.Search)}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	errs := &ValidationError{}
	if q.Role != "" {
		f.Role = entity.Role(q.Role)
		if f.Role != entity.RoleUser && f.Role != entity.RoleAdmin {
			errs.add("role", "role must be one of user, admin")
		}
	}
	if q.Status != "" {
		f.Status = entity.Status(q.Status)
		if !f.Status.Valid() {
			errs.add("status", "status must be one of active, inactive, suspended")
		}
	}
	if err := errs.errOrNil(); err != nil {
		return nil, err
	}

	page, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	users := make([]entity.Profile, 0, len(page.Accounts))
	for _, a := range page.Accounts {
		users = append(users, entity.DetailOf(a))
	}
	return &ListResult{
		Users: users,
		Pagination: Pagination{
			Total:      page.Total,
			Page:       f.Page,
			Limit:      f.Limit,
			TotalPages: int(math.Ceil(float64(page.Total) / float64(f.Limit))),
		},
	}, nil
}

// UpdateAccount applies a validated patch for the owner or an admin. Nothing
// is written unless every field passes.
func (s *Service) UpdateAccount(ctx context.Context, requester *entity.Account, targetID string, p UpdatePayload) (entity.Profile, error) {
	if !auth.CanAccess(requester, targetID, entity.RoleAdmin) {
		return entity.Profile{}, ErrForbidden
	}
	a, err := s.load(ctx, targetID)
	if err != nil {
		return entity.Profile{}, err
	}

	byAdmin := requester.IsAdmin() && requester.ID != a.ID
	patch, err := s.validator.Update(p, a, byAdmin)
	if err != nil {
		s.metrics.AccountEvent("update", "invalid")
		return entity.Profile{}, err
	}
	if patch.Empty() {
		return s.project(requester, a), nil
	}

	if patch.InstitutionalID != nil && *patch.InstitutionalID != deref(a.InstitutionalID) {
		key := entity.IdentityKey{Kind: entity.KindInstitutional, Value: *patch.InstitutionalID}
		if err := s.ensureFree(ctx, key, a.ID); err != nil {
			return entity.Profile{}, err
		}
		a.InstitutionalID = patch.InstitutionalID
	}
	if patch.Email != nil && *patch.Email != deref(a.Email) {
		key := entity.IdentityKey{Kind: entity.KindCredentialed, Value: *patch.Email}
		if err := s.ensureFree(ctx, key, a.ID); err != nil {
			return entity.Profile{}, err
		}
		a.Email = patch.Email
	}
	if patch.DisplayName != nil {
		a.DisplayName = patch.DisplayName
	}
	if patch.DateOfBirth != nil {
		a.DateOfBirth = patch.DateOfBirth
	}
	if patch.Password != nil {
		if err := s.setPassword(a, *patch.Password); err != nil {
			return entity.Profile{}, fmt.Errorf("update account: %w", err)
		}
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}

	if err := s.store.Update(ctx, a); err != nil {
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			s.metrics.AccountEvent("update", "conflict")
			return entity.Profile{}, ErrConflict
		case errors.Is(err, repo.ErrNotFound):
			return entity.Profile{}, ErrNotFound
		}
		return entity.Profile{}, fmt.Errorf("update account: %w", err)
	}
	s.metrics.AccountEvent("update", "ok")
	s.logger.Infow("account updated", "account_id", a.ID, "requester_id", requester.ID)
	return s.project(requester, a), nil
}

func (s *Service) ensureFree(ctx context.Context, key entity.IdentityKey, ownID string) error {
	other, err := s.store.FindByIdentityKey(ctx, key, false)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("update account: lookup: %w", err)
	case other.ID != ownID:
		s.metrics.AccountEvent("update", "conflict")
		return ErrConflict
	}
	return nil
}

// DeleteAccount soft-deletes another account on behalf of an admin.
func (s *Service) DeleteAccount(ctx context.Context, requester *entity.Account, targetID string) error {
	if !requester.IsAdmin() {
		return ErrForbidden
	}
	if requester.ID == targetID {
		return ErrSelfDeleteViaAdmin
	}
	if err := s.softDelete(ctx, targetID); err != nil {
		return err
	}
	s.logger.Infow("account deleted", "account_id", targetID, "requester_id", requester.ID)
	return nil
}

// SelfDelete soft-deletes the caller's own account.
func (s *Service) SelfDelete(ctx context.Context, requester *entity.Account) error {
	if err := s.softDelete(ctx, requester.ID); err != nil {
		return err
	}
	s.logger.Infow("account deleted by owner", "account_id", requester.ID)
	return nil
}

func (s *Service) softDelete(ctx context.Context, id string) error {
	err := s.store.SoftDelete(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("delete account: %w", err)
	}
	s.metrics.AccountEvent("delete", "ok")
	return nil
}

// HardDeleteAccount removes an already soft-deleted account for good.
func (s *Service) HardDeleteAccount(ctx context.Context, requester *entity.Account, targetID string) error {
	if !requester.IsAdmin() {
		return ErrForbidden
	}
	a, err := s.store.FindByID(ctx, targetID, true)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("hard delete: lookup: %w", err)
	}
	if !a.IsDeleted() {
		return ErrNotSoftDeleted
	}

	err = s.store.HardDelete(ctx, targetID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("hard delete: %w", err)
	}
	s.metrics.AccountEvent("hard_delete", "ok")
	s.logger.Warnw("account permanently deleted", "account_id", targetID, "requester_id", requester.ID)
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*entity.Account, error) {
	a, err := s.store.FindByID(ctx, id, false)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return a, nil
}

// project gives admins the lifecycle fields of other accounts.
func (s *Service) project(requester, a *entity.Account) entity.Profile {
	if requester.IsAdmin() {
		return entity.DetailOf(a)
	}
	return entity.ProfileOf(a)
}

func dateOf(a *entity.Account) string {
	if a == nil || a.DateOfBirth == nil {
		return ""
	}
	return a.DateOfBirth.Format(entity.DateLayout)
}

func sameDate(stored string, given time.Time) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given.Format(entity.DateLayout))) == 1
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
