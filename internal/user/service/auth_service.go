// Package service implements account management: registration with
// single-use invite codes, login with a failure limiter, stateless access
// tokens backed by cache sessions, and the credential stores the pipeline
// reads judge and LLM configuration from.
package service

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"ojforge/internal/model"
	"ojforge/internal/user/repository"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Config tunes the auth service. Zero fields take defaults; JWTSecret has
// no default and token issuance fails without it.
type Config struct {
	JWTSecret string
	Issuer    string

	// AccessTTL bounds both the token and its cache session.
	AccessTTL time.Duration

	// LoginFailLimit locks a username out after this many consecutive
	// failures inside LoginFailWindow.
	LoginFailLimit  int64
	LoginFailWindow time.Duration

	// OpenRegistration waives the invite code requirement.
	OpenRegistration bool
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if c.Issuer == "" {
		c.Issuer = "ojforge"
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = 24 * time.Hour
	}
	if c.LoginFailLimit <= 0 {
		c.LoginFailLimit = 5
	}
	if c.LoginFailWindow <= 0 {
		c.LoginFailWindow = 15 * time.Minute
	}
}

// AuthService owns accounts, invite codes and sessions.
type AuthService struct {
	users    repository.UserRepository
	invites  repository.InviteRepository
	sessions repository.SessionStore
	activity *Recorder
	cfg      Config
}

// NewAuthService wires the auth service. activity may be nil.
func NewAuthService(users repository.UserRepository, invites repository.InviteRepository,
	sessions repository.SessionStore, activity *Recorder, cfg Config) *AuthService {
	cfg.Normalize()
	return &AuthService{
		users:    users,
		invites:  invites,
		sessions: sessions,
		activity: activity,
		cfg:      cfg,
	}
}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Username   string
	Password   string
	Email      string
	InviteCode string
}

// LoginInput carries a login request.
type LoginInput struct {
	Username string
	Password string
	IP       string
}

// AuthResult is the login/register response payload.
type AuthResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// Register creates an account and signs it in. The very first account
// becomes the admin and needs no invite code; later registrations consume
// one unless registration is open.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	username := strings.TrimSpace(in.Username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	total, _, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	first := total == 0

	// Early username check; the insert re-checks under the unique index.
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, errors.Newf(errors.UsernameAlreadyExists, "username %q is taken", username)
	} else if !errors.Is(err, errors.UserNotFound) {
		return nil, err
	}

	code := strings.TrimSpace(in.InviteCode)
	needsInvite := !first && !s.cfg.OpenRegistration
	if needsInvite && code == "" {
		return nil, errors.New(errors.InviteCodeRequired)
	}

	now := time.Now()
	userID := uuid.NewString()

	// Claim the code before the insert so a raced registration cannot
	// reuse it. Losing the user insert afterwards burns the code, which
	// is an accepted cost.
	if needsInvite {
		if err := s.invites.Consume(ctx, code, userID, now); err != nil {
			return nil, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "hash password")
	}

	role := model.RoleUser
	if first {
		role = model.RoleAdmin
	}
	u := &model.User{
		ID:           userID,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       model.UserStatusActive,
		InviteCode:   code,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	logger.Info(ctx, "user registered",
		zap.String("user_id", u.ID),
		zap.String("username", u.Username),
		zap.String("role", u.Role))
	s.activity.Log(ctx, u.ID, "auth.register", "username "+u.Username)

	return s.issueSession(ctx, u)
}

// Login verifies credentials under the failure limiter and opens a session.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		return nil, errors.New(errors.InvalidCredentials)
	}

	failures, err := s.sessions.LoginFailures(ctx, username)
	if err != nil {
		return nil, err
	}
	if failures >= s.cfg.LoginFailLimit {
		return nil, errors.Newf(errors.TooManyRequests, "too many failed logins, try again later")
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, errors.UserNotFound) {
			return nil, s.failLogin(ctx, username)
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		return nil, s.failLogin(ctx, username)
	}

	if u.Status != model.UserStatusActive {
		return nil, errors.New(errors.AccountSuspended)
	}

	if err := s.sessions.ClearLoginFailures(ctx, username); err != nil {
		logger.Warn(ctx, "clear login failures failed", zap.String("username", username), zap.Error(err))
	}

	logger.Info(ctx, "user logged in",
		zap.String("user_id", u.ID),
		zap.String("username", u.Username),
		zap.String("ip", in.IP))
	s.activity.Log(ctx, u.ID, "auth.login", "from "+in.IP)

	return s.issueSession(ctx, u)
}

func (s *AuthService) failLogin(ctx context.Context, username string) error {
	n, err := s.sessions.RecordLoginFailure(ctx, username, s.cfg.LoginFailWindow)
	if err != nil {
		logger.Warn(ctx, "record login failure failed", zap.String("username", username), zap.Error(err))
	} else if n >= s.cfg.LoginFailLimit {
		logger.Warn(ctx, "login failure limit reached",
			zap.String("username", username),
			zap.Int64("failures", n))
	}
	return errors.New(errors.InvalidCredentials)
}

func (s *AuthService) issueSession(ctx context.Context, u *model.User) (*AuthResult, error) {
	token, expiresAt, err := s.generateToken(u)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SaveSession(ctx, hashToken(token), u.ID, time.Until(expiresAt)); err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, ExpiresAt: expiresAt, User: u}, nil
}

// Check returns the account behind an authenticated request.
func (s *AuthService) Check(ctx context.Context, userID string) (*model.User, error) {
	return s.users.GetByID(ctx, userID)
}

// Logout closes the token's session and blacklists it for the rest of its
// lifetime. Logging out an already-expired token succeeds quietly.
func (s *AuthService) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return errors.New(errors.TokenInvalid)
	}
	hash := hashToken(raw)
	claims, err := s.parseToken(raw)
	if err != nil {
		if errors.Is(err, errors.TokenExpired) {
			_ = s.sessions.DeleteSession(ctx, hash)
			return nil
		}
		return err
	}

	if err := s.sessions.DeleteSession(ctx, hash); err != nil {
		return err
	}
	if claims.ExpiresAt != nil {
		if err := s.sessions.Blacklist(ctx, hash, time.Until(claims.ExpiresAt.Time)); err != nil {
			return err
		}
	}
	s.activity.Log(ctx, claims.Subject, "auth.logout", "")
	return nil
}

// Authenticate resolves a bearer token to its account: signature and
// expiry first, then revocation, then the live session, then the account
// itself. Satisfies the HTTP middleware's verifier contract.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (*model.User, error) {
	claims, err := s.parseToken(raw)
	if err != nil {
		return nil, err
	}

	hash := hashToken(raw)
	revoked, err := s.sessions.IsBlacklisted(ctx, hash)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, errors.Newf(errors.TokenInvalid, "token revoked")
	}

	uid, err := s.sessions.SessionUser(ctx, hash)
	if err != nil {
		return nil, err
	}
	if uid == "" || uid != claims.Subject {
		return nil, errors.Newf(errors.TokenInvalid, "session not found")
	}

	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, errors.UserNotFound) {
			return nil, errors.Newf(errors.TokenInvalid, "account no longer exists")
		}
		return nil, err
	}
	if u.Status != model.UserStatusActive {
		return nil, errors.New(errors.AccountSuspended)
	}
	return u, nil
}

const inviteAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CreateInvite mints one single-use registration code.
func (s *AuthService) CreateInvite(ctx context.Context, createdBy string) (*model.InviteCode, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "generate invite code")
	}
	for i := range buf {
		buf[i] = inviteAlphabet[int(buf[i])%len(inviteAlphabet)]
	}
	code := &model.InviteCode{
		Code:      string(buf),
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	if err := s.invites.Create(ctx, code); err != nil {
		return nil, err
	}
	s.activity.Log(ctx, createdBy, "invite.create", "code "+code.Code)
	return code, nil
}

// ListInvites returns every code, newest first.
func (s *AuthService) ListInvites(ctx context.Context) ([]*model.InviteCode, error) {
	return s.invites.List(ctx)
}

// DeleteInvite removes an unused code.
func (s *AuthService) DeleteInvite(ctx context.Context, actorID, code string) error {
	if err := s.invites.Delete(ctx, code); err != nil {
		return err
	}
	s.activity.Log(ctx, actorID, "invite.delete", "code "+code)
	return nil
}

// CountUsers reports total and active accounts for the stats endpoint.
func (s *AuthService) CountUsers(ctx context.Context) (total, active int64, err error) {
	return s.users.Count(ctx)
}
