package kb

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

const bcryptCost = 12

// UserService owns the user lifecycle: admin-created accounts,
// self-registration gated by the admin code, soft deactivation and
// hard deletes.
type UserService struct {
	repos        *storage.Repositories
	bus          *events.Bus
	log          *observability.Logger
	registerCode string
}

func NewUserService(repos *storage.Repositories, bus *events.Bus,
	log *observability.Logger, registerCode string) *UserService {

	return &UserService{
		repos:        repos,
		bus:          bus,
		log:          log.WithComponent("users"),
		registerCode: registerCode,
	}
}

// NewUser is the result of a create: the SDK key is returned exactly
// once and stored only on the row.
type NewUser struct {
	User   *storage.User
	SDKKey string
}

// Create builds an account. actor must be a system admin; pass a nil
// actor only from trusted bootstrap paths (CLI first-admin).
func (s *UserService) Create(ctx context.Context, actor *storage.User, email, password string, isAdmin bool) (*NewUser, error) {
	if actor != nil && !actor.IsAdmin {
		return nil, faults.New(faults.KindPermissionDenied, "only admins can create users")
	}
	return s.create(ctx, email, password, isAdmin)
}

// Register is gated self-registration: the caller must present the
// configured admin registration code.
func (s *UserService) Register(ctx context.Context, email, password, code string) (*NewUser, error) {
	if s.registerCode == "" {
		return nil, faults.New(faults.KindPermissionDenied, "registration is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(s.registerCode)) != 1 {
		return nil, faults.New(faults.KindInvalidCredential, "invalid registration code")
	}
	return s.create(ctx, email, password, false)
}

func (s *UserService) create(ctx context.Context, email, password string, isAdmin bool) (*NewUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, faults.New(faults.KindValidation, "a valid email is required")
	}
	if len(password) < 8 {
		return nil, faults.New(faults.KindValidation, "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "hash password")
	}
	sdkKey, err := randomToken("sdk_", 32)
	if err != nil {
		return nil, err
	}

	user := &storage.User{
		Email:        email,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
		IsActive:     true,
		SDKKey:       sdkKey,
	}
	if err := s.repos.Users.Create(ctx, user); err != nil {
		return nil, storeErr(err, "user")
	}

	s.log.Info().Str("user_id", user.ID.String()).Str("email", email).Bool("admin", isAdmin).Msg("user created")
	s.publishUser(events.UserCreated, user)
	return &NewUser{User: user, SDKKey: sdkKey}, nil
}

// Get requires the actor to be the user themselves or a system admin.
func (s *UserService) Get(ctx context.Context, actor *storage.User, id uuid.UUID) (*storage.User, error) {
	if !actor.IsAdmin && actor.ID != id {
		return nil, faults.New(faults.KindPermissionDenied, "cannot read another user's account")
	}
	user, err := s.repos.Users.GetByID(ctx, id)
	return user, storeErr(err, "user")
}

// List is admin-only.
func (s *UserService) List(ctx context.Context, actor *storage.User) ([]*storage.User, error) {
	if !actor.IsAdmin {
		return nil, faults.New(faults.KindPermissionDenied, "only admins can list users")
	}
	users, err := s.repos.Users.List(ctx)
	return users, storeErr(err, "users")
}

// ChangePassword verifies the current password before rehashing.
func (s *UserService) ChangePassword(ctx context.Context, actor *storage.User, current, next string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(actor.PasswordHash), []byte(current)); err != nil {
		return faults.New(faults.KindInvalidCredential, "current password does not match")
	}
	if len(next) < 8 {
		return faults.New(faults.KindValidation, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcryptCost)
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "hash password")
	}
	actor.PasswordHash = string(hash)
	if err := s.repos.Users.Update(ctx, actor); err != nil {
		return storeErr(err, "user")
	}
	s.publishUser(events.UserUpdated, actor)
	return nil
}

// Deactivate soft-deletes: the account stops authenticating but its
// rows remain. Admin-only; admins cannot deactivate themselves.
func (s *UserService) Deactivate(ctx context.Context, actor *storage.User, id uuid.UUID) error {
	if !actor.IsAdmin {
		return faults.New(faults.KindPermissionDenied, "only admins can deactivate users")
	}
	if actor.ID == id {
		return faults.New(faults.KindConflict, "cannot deactivate your own account")
	}
	user, err := s.repos.Users.GetByID(ctx, id)
	if err != nil {
		return storeErr(err, "user")
	}
	if err := s.repos.Users.SetActive(ctx, id, false); err != nil {
		return storeErr(err, "user")
	}
	s.publishUser(events.UserUpdated, user)
	return nil
}

// Delete hard-deletes the account. Owned resources cascade through
// foreign keys; webhook delivery rows survive as audit history.
func (s *UserService) Delete(ctx context.Context, actor *storage.User, id uuid.UUID) error {
	if !actor.IsAdmin {
		return faults.New(faults.KindPermissionDenied, "only admins can delete users")
	}
	if actor.ID == id {
		return faults.New(faults.KindConflict, "cannot delete your own account")
	}
	user, err := s.repos.Users.GetByID(ctx, id)
	if err != nil {
		return storeErr(err, "user")
	}
	if err := s.repos.Users.Delete(ctx, id); err != nil {
		return storeErr(err, "user")
	}
	s.log.Info().Str("user_id", id.String()).Str("email", user.Email).Msg("user deleted")
	s.publishUser(events.UserDeleted, user)
	return nil
}

// Authenticate checks email+password for the CLI and bootstrap paths.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*storage.User, error) {
	user, err := s.repos.Users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.KindInvalidCredential, "invalid email or password")
		}
		return nil, storeErr(err, "user")
	}
	if !user.IsActive {
		return nil, faults.New(faults.KindInvalidCredential, "account is inactive")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, faults.New(faults.KindInvalidCredential, "invalid email or password")
	}
	return user, nil
}

func (s *UserService) publishUser(eventType string, user *storage.User) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(events.New(eventType, map[string]any{
		"user_id": user.ID.String(),
		"email":   user.Email,
	}, nil))
}

// randomToken mints prefix + base64url(bytes) without padding.
func randomToken(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", faults.Wrap(faults.KindInternal, err, "generate token")
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
