// Package auth owns login, token issuance and rotation, and the RBAC
// permission check. Access tokens are signed JWTs; refresh tokens are opaque
// secrets stored only as bcrypt hashes, rotated on every refresh.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// Refresh token format: amr_<token_id>.<secret>. The id is the lookup
// handle; only the secret's bcrypt hash is stored.

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// TenantLister enumerates tenant ids; the tenant directory satisfies it.
// Login needs it because users live under their tenant's partition while
// the email is only globally unique.
type TenantLister interface {
	IDs(ctx context.Context) ([]string, error)
}

type Service struct {
	store      storage.Store
	tokens     *TokenManager
	tenants    TenantLister
	recorder   *audit.Recorder
	refreshTTL time.Duration
	logger     *log.Logger

	now func() int64
}

func NewService(store storage.Store, tokens *TokenManager, tenants TenantLister,
	recorder *audit.Recorder, refreshTTL time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:      store,
		tokens:     tokens,
		tenants:    tenants,
		recorder:   recorder,
		refreshTTL: refreshTTL,
		logger:     log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// ============================================================================
// LOGIN / REFRESH / LOGOUT
// ============================================================================

// Login verifies credentials and issues a fresh token pair. Bad email and bad
// password produce the same error.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *core.User, error) {
	unauthorized := core.E(core.KindUnauthorized, "invalid credentials")

	user, err := s.FindByEmail(ctx, email)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, nil, unauthorized
		}
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, unauthorized
	}

	now := s.now()
	if _, err := s.store.UpdateOne(ctx, storage.CollUsers,
		storage.Q(user.TenantID, storage.Eq("id", user.ID)),
		storage.Doc{"last_login_at": now}); err != nil {
		s.logger.Printf("last_login_at update for %s failed: %v", user.ID, err)
	}
	user.LastLoginAt = now

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	s.recorder.Record(ctx, &core.AuditLog{
		TenantID:   user.TenantID,
		ActorID:    user.ID,
		Action:     audit.ActionUserLogin,
		TargetType: "user",
		TargetID:   user.ID,
	})
	return pair, user, nil
}

// Refresh rotates the token pair. The presented refresh token is revoked by
// CAS before anything new is minted, so a replayed token loses exactly once
// and the race loser gets unauthorized.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	unauthorized := core.E(core.KindUnauthorized, "invalid refresh token")

	tokenID, secret, ok := splitRefresh(refreshToken)
	if !ok {
		return nil, unauthorized
	}

	doc, err := s.store.FindOne(ctx, storage.CollRefreshTokens,
		storage.Q(storage.SystemScope, storage.Eq("id", tokenID)))
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, unauthorized
		}
		return nil, err
	}
	var stored core.RefreshToken
	if err := storage.Decode(doc, &stored); err != nil {
		return nil, err
	}

	if stored.Revoked || s.now() >= stored.ExpiresAt {
		return nil, unauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)) != nil {
		return nil, unauthorized
	}

	revoked, err := s.store.UpdateOne(ctx, storage.CollRefreshTokens,
		storage.Q(storage.SystemScope,
			storage.Eq("id", tokenID),
			storage.Eq("revoked", false)),
		storage.Doc{"revoked": true})
	if err != nil {
		return nil, err
	}
	if !revoked {
		return nil, unauthorized
	}

	user, err := s.loadUser(ctx, stored.UserTenant, stored.UserID)
	if err != nil {
		return nil, err
	}
	return s.issuePair(ctx, user)
}

// LogoutAll revokes every live refresh token the user holds. Outstanding
// access tokens stay valid until they expire.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	n, err := s.store.UpdateMany(ctx, storage.CollRefreshTokens,
		storage.Q(storage.SystemScope,
			storage.Eq("user_id", userID),
			storage.Eq("revoked", false)),
		storage.Doc{"revoked": true})
	if err != nil {
		return 0, err
	}
	s.logger.Printf("revoked %d refresh tokens for user %s", n, userID)
	return n, nil
}

// Verify validates an access token; the HTTP middleware calls this.
func (s *Service) Verify(token string) (*Identity, error) {
	return s.tokens.Verify(token)
}

func (s *Service) issuePair(ctx context.Context, user *core.User) (*TokenPair, error) {
	access, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}

	tokenID := newHex(8)
	secret := newHex(24)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, core.Wrap(core.KindFatal, "refresh token hashing failed", err)
	}

	now := s.now()
	stored := &core.RefreshToken{
		ID:         tokenID,
		TenantID:   storage.SystemScope,
		UserID:     user.ID,
		UserTenant: user.TenantID,
		SecretHash: string(hash),
		ExpiresAt:  now + int64(s.refreshTTL.Seconds()),
		CreatedAt:  now,
	}
	doc, err := storage.Encode(stored)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertOne(ctx, storage.CollRefreshTokens, doc); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: fmt.Sprintf("amr_%s.%s", tokenID, secret),
		ExpiresIn:    int64(s.tokens.accessTTL.Seconds()),
	}, nil
}

func splitRefresh(token string) (id, secret string, ok bool) {
	if !strings.HasPrefix(token, "amr_") {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(token, "amr_"), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ============================================================================
// USER DIRECTORY
// ============================================================================

// CreateUser provisions an account. MSP staff (msp_admin, system_admin) live
// under the system partition; everyone else under their tenant.
func (s *Service) CreateUser(ctx context.Context, actorID string, u *core.User, password string) (*core.User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	switch {
	case u.Email == "":
		return nil, core.E(core.KindValidation, "email is required")
	case len(password) < 8:
		return nil, core.E(core.KindValidation, "password must be at least 8 characters")
	case u.Role.Rank() == 0:
		return nil, core.Ef(core.KindValidation, "unknown role %q", u.Role)
	}
	if u.Role == core.RoleMSPAdmin || u.Role == core.RoleSystemAdmin {
		u.TenantID = storage.SystemScope
	} else if u.TenantID == "" {
		return nil, core.E(core.KindValidation, "tenant_id is required for tenant-scoped roles")
	}

	if _, err := s.FindByEmail(ctx, u.Email); err == nil {
		return nil, core.Ef(core.KindConflict, "email %s is already registered", u.Email)
	} else if !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, core.Wrap(core.KindFatal, "password hashing failed", err)
	}

	u.ID = uuid.NewString()
	u.PasswordHash = string(hash)
	u.CreatedAt = s.now()
	if u.Permissions == nil {
		u.Permissions = []string{}
	}
	if u.Expertise == nil {
		u.Expertise = []string{}
	}

	doc, err := storage.Encode(u)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertOne(ctx, storage.CollUsers, doc); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &core.AuditLog{
		TenantID:   u.TenantID,
		ActorID:    actorID,
		Action:     audit.ActionUserCreated,
		TargetType: "user",
		TargetID:   u.ID,
		Details:    map[string]any{"email": u.Email, "role": string(u.Role)},
	})
	return u, nil
}

// ListUsers returns one tenant's accounts, newest first.
func (s *Service) ListUsers(ctx context.Context, tenantID string) ([]core.User, error) {
	docs, err := s.store.Find(ctx, storage.CollUsers,
		storage.Q(tenantID).SortBy("created_at", true))
	if err != nil {
		return nil, err
	}
	users, err := storage.DecodeAll[core.User](docs)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

// LoadUser fetches the full user row for permission-sensitive operations.
func (s *Service) LoadUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	return s.loadUser(ctx, tenantID, userID)
}

// FindByEmail resolves an email across partitions: system staff first, then
// each tenant. Email uniqueness is enforced at creation, so the first hit is
// the only hit.
func (s *Service) FindByEmail(ctx context.Context, email string) (*core.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.findInScope(ctx, storage.SystemScope, email)
	if err == nil {
		return user, nil
	}
	if !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}

	ids, err := s.tenants.IDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, tenantID := range ids {
		user, err := s.findInScope(ctx, tenantID, email)
		if err == nil {
			return user, nil
		}
		if !core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
	}
	return nil, core.Ef(core.KindNotFound, "no user with email %s", email)
}

// Bootstrap creates the initial system admin when the directory is empty.
// Idempotent: an existing account with the email wins.
func (s *Service) Bootstrap(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	if _, err := s.findInScope(ctx, storage.SystemScope, strings.ToLower(email)); err == nil {
		return nil
	} else if !core.IsKind(err, core.KindNotFound) {
		return err
	}

	_, err := s.CreateUser(ctx, "system", &core.User{
		Email: email,
		Role:  core.RoleSystemAdmin,
	}, password)
	if err != nil {
		return err
	}
	s.logger.Printf("bootstrapped system admin %s", email)
	return nil
}

func (s *Service) findInScope(ctx context.Context, tenantID, email string) (*core.User, error) {
	doc, err := s.store.FindOne(ctx, storage.CollUsers,
		storage.Q(tenantID, storage.Eq("email", email)))
	if err != nil {
		return nil, err
	}
	var u core.User
	if err := storage.Decode(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) loadUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	doc, err := s.store.FindOne(ctx, storage.CollUsers,
		storage.Q(tenantID, storage.Eq("id", userID)))
	if err != nil {
		return nil, err
	}
	var u core.User
	if err := storage.Decode(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func newHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
