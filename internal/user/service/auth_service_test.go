package service

import (
	"context"
	"testing"
	"time"

	"ojforge/internal/common/cache"
	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/internal/user/repository"
	"ojforge/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

type authRig struct {
	svc     *AuthService
	users   repository.UserRepository
	invites repository.InviteRepository
	mr      *miniredis.Miniredis
}

func newAuthRig(t *testing.T, cfg Config) *authRig {
	t.Helper()
	database, err := db.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	users := repository.NewUserRepository(database)
	invites := repository.NewInviteRepository(database)
	recorder := NewRecorder(repository.NewActivityRepository(database))
	svc := NewAuthService(users, invites, repository.NewSessionStore(c), recorder, cfg)
	return &authRig{svc: svc, users: users, invites: invites, mr: mr}
}

func mustRegister(t *testing.T, svc *AuthService, username, password, code string) *AuthResult {
	t.Helper()
	res, err := svc.Register(context.Background(), RegisterInput{
		Username:   username,
		Password:   password,
		InviteCode: code,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return res
}

func TestRegisterFirstUserBecomesAdmin(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	res := mustRegister(t, r.svc, "alice", "passw0rd!", "")
	if res.User.Role != model.RoleAdmin {
		t.Errorf("first user role = %q, want admin", res.User.Role)
	}
	if res.Token == "" || !res.ExpiresAt.After(time.Now()) {
		t.Errorf("no usable token issued: %q exp %v", res.Token, res.ExpiresAt)
	}

	// Registration signs the user in.
	u, err := r.svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.ID != res.User.ID || u.Username != "alice" {
		t.Errorf("authenticated as %s/%s, want %s/alice", u.ID, u.Username, res.User.ID)
	}
}

func TestRegisterRequiresInviteAfterFirst(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	admin := mustRegister(t, r.svc, "admin", "passw0rd!", "")

	if _, err := r.svc.Register(ctx, RegisterInput{Username: "bob", Password: "passw0rd!"}); !errors.Is(err, errors.InviteCodeRequired) {
		t.Errorf("no code: got %v, want InviteCodeRequired", err)
	}
	if _, err := r.svc.Register(ctx, RegisterInput{Username: "bob", Password: "passw0rd!", InviteCode: "WRONG123"}); !errors.Is(err, errors.InviteCodeInvalid) {
		t.Errorf("bad code: got %v, want InviteCodeInvalid", err)
	}

	code, err := r.svc.CreateInvite(ctx, admin.User.ID)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if len(code.Code) != 8 {
		t.Errorf("code length = %d, want 8", len(code.Code))
	}

	res := mustRegister(t, r.svc, "bob", "passw0rd!", code.Code)
	if res.User.Role != model.RoleUser {
		t.Errorf("invited user role = %q, want user", res.User.Role)
	}

	got, err := r.invites.Get(ctx, code.Code)
	if err != nil {
		t.Fatalf("Get invite: %v", err)
	}
	if got.UsedBy != res.User.ID {
		t.Errorf("invite UsedBy = %q, want %s", got.UsedBy, res.User.ID)
	}

	if _, err := r.svc.Register(ctx, RegisterInput{Username: "carol", Password: "passw0rd!", InviteCode: code.Code}); !errors.Is(err, errors.InviteCodeUsed) {
		t.Errorf("reused code: got %v, want InviteCodeUsed", err)
	}
}

func TestRegisterOpenRegistration(t *testing.T) {
	r := newAuthRig(t, Config{OpenRegistration: true})

	mustRegister(t, r.svc, "admin", "passw0rd!", "")
	res := mustRegister(t, r.svc, "bob", "passw0rd!", "")
	if res.User.Role != model.RoleUser {
		t.Errorf("role = %q, want user", res.User.Role)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
		email    string
		want     errors.ErrorCode
	}{
		{"ShortUsername", "ab", "passw0rd!", "", errors.InvalidUsername},
		{"DigitLeadingUsername", "1user", "passw0rd!", "", errors.InvalidUsername},
		{"SpacedUsername", "a user", "passw0rd!", "", errors.InvalidUsername},
		{"ShortPassword", "dave", "p4ss", "", errors.InvalidPassword},
		{"LettersOnlyPassword", "dave", "passwords", "", errors.InvalidPassword},
		{"NonASCIIPassword", "dave", "pässw0rd!", "", errors.InvalidPassword},
		{"BareEmail", "dave", "passw0rd!", "not-an-address", errors.InvalidEmail},
		{"DisplayNameEmail", "dave", "passw0rd!", "Dave <dave@example.com>", errors.InvalidEmail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.svc.Register(ctx, RegisterInput{Username: tc.username, Password: tc.password, Email: tc.email})
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	mustRegister(t, r.svc, "dave", "passw0rd!", "")
	if _, err := r.svc.Register(ctx, RegisterInput{Username: "dave", Password: "passw0rd!"}); !errors.Is(err, errors.UsernameAlreadyExists) {
		t.Errorf("duplicate: got %v, want UsernameAlreadyExists", err)
	}
}

func TestLoginAndFailureLimiter(t *testing.T) {
	r := newAuthRig(t, Config{LoginFailLimit: 3, LoginFailWindow: 15 * time.Minute})
	ctx := context.Background()

	mustRegister(t, r.svc, "alice", "passw0rd!", "")

	res, err := r.svc.Login(ctx, LoginInput{Username: "alice", Password: "passw0rd!", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := r.svc.Authenticate(ctx, res.Token); err != nil {
		t.Fatalf("Authenticate after login: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.svc.Login(ctx, LoginInput{Username: "alice", Password: "wrong-pass1"}); !errors.Is(err, errors.InvalidCredentials) {
			t.Fatalf("wrong password: got %v, want InvalidCredentials", err)
		}
	}

	// The limiter now rejects even the right password.
	if _, err := r.svc.Login(ctx, LoginInput{Username: "alice", Password: "passw0rd!"}); !errors.Is(err, errors.TooManyRequests) {
		t.Errorf("limited login: got %v, want TooManyRequests", err)
	}

	r.mr.FastForward(16 * time.Minute)
	if _, err := r.svc.Login(ctx, LoginInput{Username: "alice", Password: "passw0rd!"}); err != nil {
		t.Errorf("login after window: %v", err)
	}

	// Unknown usernames burn the limiter too but stay masked.
	if _, err := r.svc.Login(ctx, LoginInput{Username: "ghost", Password: "passw0rd!"}); !errors.Is(err, errors.InvalidCredentials) {
		t.Errorf("unknown user: got %v, want InvalidCredentials", err)
	}
}

func TestLoginSuspendedAccount(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("passw0rd!"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	now := time.Now()
	err = r.users.Create(ctx, &model.User{
		ID:           "u-frozen",
		Username:     "frozen",
		PasswordHash: string(hash),
		Role:         model.RoleUser,
		Status:       model.UserStatusSuspended,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.svc.Login(ctx, LoginInput{Username: "frozen", Password: "passw0rd!"}); !errors.Is(err, errors.AccountSuspended) {
		t.Errorf("got %v, want AccountSuspended", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	res := mustRegister(t, r.svc, "alice", "passw0rd!", "")
	if err := r.svc.Logout(ctx, res.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := r.svc.Authenticate(ctx, res.Token); !errors.Is(err, errors.TokenInvalid) {
		t.Errorf("after logout: got %v, want TokenInvalid", err)
	}
	// Logging out twice is harmless.
	if err := r.svc.Logout(ctx, res.Token); err != nil {
		t.Errorf("second logout: %v", err)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	mustRegister(t, r.svc, "alice", "passw0rd!", "")

	if _, err := r.svc.Authenticate(ctx, "not-a-token"); !errors.Is(err, errors.TokenInvalid) {
		t.Errorf("garbage: got %v, want TokenInvalid", err)
	}

	forge := func(secret string, expiresAt time.Time) string {
		claims := tokenClaims{
			Role:      model.RoleUser,
			TokenType: tokenTypeAccess,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u1",
				Issuer:    "ojforge",
				IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				ID:        "forged",
			},
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return raw
	}

	if _, err := r.svc.Authenticate(ctx, forge("other-secret", time.Now().Add(time.Hour))); !errors.Is(err, errors.TokenInvalid) {
		t.Errorf("wrong secret: got %v, want TokenInvalid", err)
	}
	if _, err := r.svc.Authenticate(ctx, forge("test-secret", time.Now().Add(-time.Minute))); !errors.Is(err, errors.TokenExpired) {
		t.Errorf("expired: got %v, want TokenExpired", err)
	}
	// Well-signed but never issued: no session behind it.
	if _, err := r.svc.Authenticate(ctx, forge("test-secret", time.Now().Add(time.Hour))); !errors.Is(err, errors.TokenInvalid) {
		t.Errorf("sessionless: got %v, want TokenInvalid", err)
	}
}

func TestAuthenticateAfterCacheLoss(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	res := mustRegister(t, r.svc, "alice", "passw0rd!", "")

	// A cache restart drops all sessions; tokens stop working even
	// though their signature is still valid.
	r.mr.FlushAll()
	if _, err := r.svc.Authenticate(ctx, res.Token); !errors.Is(err, errors.TokenInvalid) {
		t.Errorf("after cache loss: got %v, want TokenInvalid", err)
	}
}

func TestInviteAdminOps(t *testing.T) {
	r := newAuthRig(t, Config{})
	ctx := context.Background()

	admin := mustRegister(t, r.svc, "admin", "passw0rd!", "")

	c1, err := r.svc.CreateInvite(ctx, admin.User.ID)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	c2, err := r.svc.CreateInvite(ctx, admin.User.ID)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if c1.Code == c2.Code {
		t.Errorf("codes collide: %s", c1.Code)
	}

	all, err := r.svc.ListInvites(ctx)
	if err != nil {
		t.Fatalf("ListInvites: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListInvites = %d, want 2", len(all))
	}

	if err := r.svc.DeleteInvite(ctx, admin.User.ID, c1.Code); err != nil {
		t.Fatalf("DeleteInvite: %v", err)
	}
	if err := r.svc.DeleteInvite(ctx, admin.User.ID, "MISSING0"); !errors.Is(err, errors.InviteCodeInvalid) {
		t.Errorf("delete missing: got %v, want InviteCodeInvalid", err)
	}
}
