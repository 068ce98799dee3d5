package remediate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// Runbooks is the catalog of executable remediations per tenant.
type Runbooks struct {
	store    storage.Store
	recorder *audit.Recorder
}

func NewRunbooks(store storage.Store, recorder *audit.Recorder) *Runbooks {
	return &Runbooks{store: store, recorder: recorder}
}

func validateRunbook(rb *core.Runbook) error {
	switch {
	case rb.TenantID == "":
		return core.E(core.KindValidation, "tenant_id is required")
	case rb.Name == "":
		return core.E(core.KindValidation, "name is required")
	case len(rb.Actions) == 0:
		return core.E(core.KindValidation, "at least one action is required")
	}
	switch rb.RiskLevel {
	case core.RiskLow, core.RiskMedium, core.RiskHigh:
	default:
		return core.Ef(core.KindValidation, "unknown risk level %q", rb.RiskLevel)
	}
	if rb.Signature == "" {
		rb.Signature = core.GenericSignature
	}
	return nil
}

// Create registers a runbook.
func (r *Runbooks) Create(ctx context.Context, actorID string, rb *core.Runbook) (*core.Runbook, error) {
	if err := validateRunbook(rb); err != nil {
		return nil, err
	}
	rb.ID = uuid.NewString()
	rb.CreatedAt = time.Now().Unix()

	doc, err := storage.Encode(rb)
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertOne(ctx, storage.CollRunbooks, doc); err != nil {
		return nil, err
	}

	r.recorder.Record(ctx, &core.AuditLog{
		TenantID:   rb.TenantID,
		ActorID:    actorID,
		Action:     audit.ActionRunbookChanged,
		TargetType: "runbook",
		TargetID:   rb.ID,
		Details:    map[string]any{"op": "create", "name": rb.Name, "risk_level": string(rb.RiskLevel)},
	})
	return rb, nil
}

// Update replaces the mutable fields of a runbook.
func (r *Runbooks) Update(ctx context.Context, actorID string, rb *core.Runbook) (*core.Runbook, error) {
	if rb.ID == "" {
		return nil, core.E(core.KindValidation, "id is required")
	}
	if err := validateRunbook(rb); err != nil {
		return nil, err
	}

	ok, err := r.store.UpdateOne(ctx, storage.CollRunbooks,
		storage.Q(rb.TenantID, storage.Eq("id", rb.ID)),
		storage.Doc{
			"name":          rb.Name,
			"signature":     rb.Signature,
			"risk_level":    string(rb.RiskLevel),
			"actions":       rb.Actions,
			"health_checks": rb.HealthChecks,
			"auto_approve":  rb.AutoApprove,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.Ef(core.KindNotFound, "runbook %s not found", rb.ID)
	}

	r.recorder.Record(ctx, &core.AuditLog{
		TenantID:   rb.TenantID,
		ActorID:    actorID,
		Action:     audit.ActionRunbookChanged,
		TargetType: "runbook",
		TargetID:   rb.ID,
		Details:    map[string]any{"op": "update", "name": rb.Name},
	})
	return r.Get(ctx, rb.TenantID, rb.ID)
}

// Delete removes a runbook from the catalog.
func (r *Runbooks) Delete(ctx context.Context, tenantID, id, actorID string) error {
	ok, err := r.store.DeleteOne(ctx, storage.CollRunbooks,
		storage.Q(tenantID, storage.Eq("id", id)))
	if err != nil {
		return err
	}
	if !ok {
		return core.Ef(core.KindNotFound, "runbook %s not found", id)
	}
	r.recorder.Record(ctx, &core.AuditLog{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     audit.ActionRunbookChanged,
		TargetType: "runbook",
		TargetID:   id,
		Details:    map[string]any{"op": "delete"},
	})
	return nil
}

func (r *Runbooks) Get(ctx context.Context, tenantID, id string) (*core.Runbook, error) {
	doc, err := r.store.FindOne(ctx, storage.CollRunbooks,
		storage.Q(tenantID, storage.Eq("id", id)))
	if err != nil {
		return nil, err
	}
	var rb core.Runbook
	if err := storage.Decode(doc, &rb); err != nil {
		return nil, err
	}
	return &rb, nil
}

func (r *Runbooks) List(ctx context.Context, tenantID string) ([]core.Runbook, error) {
	docs, err := r.store.Find(ctx, storage.CollRunbooks,
		storage.Q(tenantID).SortBy("created_at", false))
	if err != nil {
		return nil, err
	}
	return storage.DecodeAll[core.Runbook](docs)
}

// Eligible returns runbooks applicable to an incident signature: exact
// matches first, then generics.
func (r *Runbooks) Eligible(ctx context.Context, tenantID, signature string) ([]core.Runbook, error) {
	docs, err := r.store.Find(ctx, storage.CollRunbooks,
		storage.Q(tenantID, storage.In("signature", signature, core.GenericSignature)))
	if err != nil {
		return nil, err
	}
	books, err := storage.DecodeAll[core.Runbook](docs)
	if err != nil {
		return nil, err
	}
	exact := make([]core.Runbook, 0, len(books))
	var generic []core.Runbook
	for _, b := range books {
		if b.Signature == signature {
			exact = append(exact, b)
		} else {
			generic = append(generic, b)
		}
	}
	return append(exact, generic...), nil
}
