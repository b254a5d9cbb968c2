package identity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"SceneForge-server/apperr"
	"SceneForge-server/models"
)

// RegistryStore is the persistence the registry needs.
type RegistryStore interface {
	FindRegistryByKey(ctx context.Context, key string) (*models.CharacterRegistryRecord, error)
	ListRegistry(ctx context.Context) ([]models.CharacterRegistryRecord, error)
	SaveRegistry(ctx context.Context, rec *models.CharacterRegistryRecord) error
	TouchRegistry(ctx context.Context, id string, at time.Time) error
}

// Registry maps character names to verified reference images across runs.
type Registry struct {
	store RegistryStore
	now   func() time.Time
}

func NewRegistry(store RegistryStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Lookup finds a record by name key and falls back to scanning every
// record's aliases.
func (r *Registry) Lookup(ctx context.Context, name string) (*models.CharacterRegistryRecord, error) {
	key := NameKey(name)
	if key == "" {
		return nil, nil
	}
	rec, err := r.store.FindRegistryByKey(ctx, key)
	if err != nil || rec != nil {
		return rec, err
	}
	all, err := r.store.ListRegistry(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		for _, alias := range all[i].Aliases {
			if NameKey(alias) == key {
				return &all[i], nil
			}
		}
	}
	return nil, nil
}

// UpsertInput is what a verified audit contributes to the registry.
type UpsertInput struct {
	Name        string
	ImageURL    string
	SourceURL   string
	SourceLabel string
	AuditScore  float64
	AuditStatus string
	AuditLog    interface{}
}

// Upsert creates or refreshes the record for the name's key. The name is
// merged into the aliases when no alias already shares its key.
func (r *Registry) Upsert(ctx context.Context, in UpsertInput) (*models.CharacterRegistryRecord, error) {
	name := strings.TrimSpace(in.Name)
	key := NameKey(name)
	if key == "" {
		return nil, apperr.IdentityAudit("cannot register a character without a name")
	}
	now := r.now()
	rec, err := r.store.FindRegistryByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &models.CharacterRegistryRecord{
			ID:        uuid.NewString(),
			Name:      name,
			NameKey:   key,
			CreatedAt: now,
		}
	}
	rec.Aliases = mergeAlias(rec.Aliases, name)
	rec.ImageURL = in.ImageURL
	rec.SourceURL = in.SourceURL
	rec.SourceLabel = in.SourceLabel
	rec.AuditScore = in.AuditScore
	rec.AuditStatus = in.AuditStatus
	if in.AuditLog != nil {
		if b, err := json.Marshal(in.AuditLog); err == nil {
			rec.AuditLog = string(b)
		}
	}
	rec.UpdatedAt = now
	rec.LastUsedAt = &now
	if err := r.store.SaveRegistry(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Touch records that a registry image was reused.
func (r *Registry) Touch(ctx context.Context, rec *models.CharacterRegistryRecord) error {
	now := r.now()
	rec.LastUsedAt = &now
	return r.store.TouchRegistry(ctx, rec.ID, now)
}

func mergeAlias(aliases models.StringList, name string) models.StringList {
	key := NameKey(name)
	for _, a := range aliases {
		if NameKey(a) == key {
			return aliases
		}
	}
	return append(aliases, name)
}
