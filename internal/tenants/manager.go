package tenants

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

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// TENANT DIRECTORY - provisioning, API keys, critical assets
// ============================================================================

// Manager owns the tenant directory. Tenant rows live under the system
// partition so they can be resolved before any tenant context exists.
type Manager struct {
	store  storage.Store
	logger *log.Logger
}

func NewManager(store storage.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.New(log.Writer(), "[TENANTS] ", log.LstdFlags),
	}
}

// ============================================================================
// TENANT OPERATIONS
// ============================================================================

// Create provisions a tenant with a fresh API key and HMAC secret. The full
// API key is returned exactly once; only its bcrypt hash is stored.
func (m *Manager) Create(ctx context.Context, name string, criticalAssets []string) (*core.Tenant, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", core.E(core.KindValidation, "tenant name is required")
	}

	keyID, secret, hash, err := mintKey()
	if err != nil {
		return nil, "", err
	}

	tenant := &core.Tenant{
		ID:             uuid.NewString(),
		TenantID:       storage.SystemScope,
		Name:           name,
		APIKeyID:       keyID,
		APIKeyHash:     hash,
		HMACSecret:     newHex(32),
		CriticalAssets: criticalAssets,
		CreatedAt:      time.Now().Unix(),
	}
	if tenant.CriticalAssets == nil {
		tenant.CriticalAssets = []string{}
	}

	doc, err := storage.Encode(tenant)
	if err != nil {
		return nil, "", err
	}
	if err := m.store.InsertOne(ctx, storage.CollTenants, doc); err != nil {
		return nil, "", err
	}

	m.logger.Printf("provisioned tenant %s (%s)", tenant.ID, name)
	return tenant, fmt.Sprintf("amk_%s.%s", keyID, secret), nil
}

// Get retrieves a tenant by id.
func (m *Manager) Get(ctx context.Context, tenantID string) (*core.Tenant, error) {
	doc, err := m.store.FindOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("id", tenantID)))
	if err != nil {
		return nil, err
	}
	var t core.Tenant
	if err := storage.Decode(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all tenants sorted by creation time.
func (m *Manager) List(ctx context.Context) ([]core.Tenant, error) {
	docs, err := m.store.Find(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope).SortBy("created_at", false))
	if err != nil {
		return nil, err
	}
	return storage.DecodeAll[core.Tenant](docs)
}

// IDs returns every tenant id; the TTL reaper and background scanners
// iterate with this.
func (m *Manager) IDs(ctx context.Context) ([]string, error) {
	list, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, t := range list {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// Delete removes a tenant from the directory. Removal stops ingestion and
// token-scoped access immediately; the tenant's historical rows age out
// through the TTL reaper rather than being bulk-deleted here.
func (m *Manager) Delete(ctx context.Context, tenantID string) error {
	ok, err := m.store.DeleteOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("id", tenantID)))
	if err != nil {
		return err
	}
	if !ok {
		return core.Ef(core.KindNotFound, "tenant %s not found", tenantID)
	}
	return nil
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// Key format: amk_<key_id>.<secret>. The id is a public lookup handle; only
// the secret is sensitive and only its hash is stored.

func mintKey() (keyID, secret, hash string, err error) {
	keyID = newHex(8)   // 16 chars
	secret = newHex(24) // 48 chars
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return keyID, secret, string(h), nil
}

func newHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ValidateAPIKey resolves a full key to its tenant. Every failure mode maps
// to the same unauthorized error so callers leak nothing about which part
// was wrong.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*core.Tenant, error) {
	unauthorized := core.E(core.KindUnauthorized, "invalid api key")

	if !strings.HasPrefix(fullKey, "amk_") {
		return nil, unauthorized
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, "amk_"), ".")
	if len(parts) != 2 {
		return nil, unauthorized
	}
	keyID, secret := parts[0], parts[1]

	doc, err := m.store.FindOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("api_key_id", keyID)))
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, unauthorized
		}
		return nil, err
	}
	var tenant core.Tenant
	if err := storage.Decode(doc, &tenant); err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(tenant.APIKeyHash), []byte(secret)) != nil {
		return nil, unauthorized
	}
	return &tenant, nil
}

// RotateAPIKey replaces the tenant's key id and secret. Requests signed with
// the old key fail immediately after rotation.
func (m *Manager) RotateAPIKey(ctx context.Context, tenantID string) (string, error) {
	keyID, secret, hash, err := mintKey()
	if err != nil {
		return "", err
	}

	ok, err := m.store.UpdateOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("id", tenantID)),
		storage.Doc{"api_key_id": keyID, "api_key_hash": hash})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", core.Ef(core.KindNotFound, "tenant %s not found", tenantID)
	}

	m.logger.Printf("rotated api key for tenant %s", tenantID)
	return fmt.Sprintf("amk_%s.%s", keyID, secret), nil
}

// RotateHMACSecret replaces the webhook signing secret.
func (m *Manager) RotateHMACSecret(ctx context.Context, tenantID string) (string, error) {
	secret := newHex(32)
	ok, err := m.store.UpdateOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("id", tenantID)),
		storage.Doc{"hmac_secret": secret})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", core.Ef(core.KindNotFound, "tenant %s not found", tenantID)
	}

	m.logger.Printf("rotated hmac secret for tenant %s", tenantID)
	return secret, nil
}

// ============================================================================
// ASSET CRITICALITY
// ============================================================================

// SetCriticalAssets replaces the tenant's critical asset list. Priority
// scoring consults this list on every incident rescore.
func (m *Manager) SetCriticalAssets(ctx context.Context, tenantID string, assets []string) error {
	if assets == nil {
		assets = []string{}
	}
	ok, err := m.store.UpdateOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("id", tenantID)),
		storage.Doc{"critical_assets": assets})
	if err != nil {
		return err
	}
	if !ok {
		return core.Ef(core.KindNotFound, "tenant %s not found", tenantID)
	}
	return nil
}

// SetAWSIntegration stores the cross-account role used by SSM remediation.
func (m *Manager) SetAWSIntegration(ctx context.Context, tenantID string, integ *core.AWSIntegration) error {
	if integ != nil && (integ.RoleARN == "" || integ.ExternalID == "") {
		return core.E(core.KindValidation, "aws integration requires role_arn and external_id")
	}
	ok, err := m.store.UpdateOne(ctx, storage.CollTenants,
		storage.Q(storage.SystemScope, storage.Eq("id", tenantID)),
		storage.Doc{"aws_integration": integ})
	if err != nil {
		return err
	}
	if !ok {
		return core.Ef(core.KindNotFound, "tenant %s not found", tenantID)
	}
	return nil
}
