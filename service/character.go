package service

import (
	"context"
	"errors"

	"SceneForge-server/apperr"
	"SceneForge-server/identity"
	"SceneForge-server/models"
)

// AutoBindFromRegistry points the story's character at a registry image
// for the inferred character name. force overrides the reuse policy, a
// running generation and an already bound live image.
func (o *Orchestrator) AutoBindFromRegistry(ctx context.Context, storyID string, force bool) (bool, error) {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return false, err
	}
	bound, _, err := o.autoBind(ctx, story, force)
	return bound, err
}

func (o *Orchestrator) autoBind(ctx context.Context, story *models.Story, force bool) (bool, string, error) {
	if !o.opts.Character.RegistryReuse && !force {
		return false, "", nil
	}
	cs, err := o.store.GetCharacterState(ctx, story.ID)
	if err != nil {
		return false, "", err
	}
	if cs.Status == models.StatusRunning && !force {
		return false, "", nil
	}
	name, err := o.targetName(ctx, story)
	if err != nil || name == "" {
		return false, "", err
	}
	rec, err := o.registry.Lookup(ctx, name)
	if err != nil || rec == nil || rec.ImageURL == "" {
		return false, "", err
	}
	if cs.HasLiveImage() && cs.ImageURL != rec.ImageURL && !force {
		return false, "", nil
	}

	_, err = o.store.UpdateCharacterState(ctx, story.ID, func(c *models.CharacterState) error {
		if c.Status == models.StatusRunning && !force {
			return models.ErrStaleTransition
		}
		c.BindRegistry(rec, name)
		return nil
	})
	if errors.Is(err, models.ErrStaleTransition) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if err := o.registry.Touch(ctx, rec); err != nil {
		o.logger.Warn("registry touch failed", "record", rec.ID, "error", err)
	}
	o.logger.Info("character bound from registry", "story_id", story.ID, "name", name, "record", rec.ID)
	return true, rec.ImageURL, nil
}

// RunIdentityAudit searches public sources for the character. The event is
// always recorded; a verified result is upserted into the registry. Empty
// name, minScore or sources fall back to the inferred name and the
// configured defaults.
func (o *Orchestrator) RunIdentityAudit(ctx context.Context, storyID, name string, minScore float64, sources []string) (*identity.AuditResult, error) {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		if name, err = o.targetName(ctx, story); err != nil {
			return nil, err
		}
	}
	if name == "" {
		return nil, apperr.IdentityAudit("no character name for story %s", storyID)
	}
	if minScore <= 0 {
		minScore = o.opts.Character.MinConfidenceScore
	}
	if len(sources) == 0 {
		sources = o.opts.Character.AuditSources
	}
	res, _, err := o.audit(ctx, storyID, name, minScore, sources)
	return res, err
}

func (o *Orchestrator) audit(ctx context.Context, storyID, name string, minScore float64, sources []string) (*identity.AuditResult, *models.CharacterRegistryRecord, error) {
	if o.auditor == nil {
		return nil, nil, apperr.Configuration("identity audit is not configured")
	}
	res, err := o.auditor.Run(ctx, name, minScore, sources)
	if err != nil {
		return nil, nil, err
	}
	ev := &models.AuditEvent{
		ID:                o.newID(),
		StoryID:           storyID,
		TargetName:        res.TargetName,
		Status:            res.Status,
		Score:             res.Score,
		SelectedImageURL:  res.SelectedImageURL,
		SelectedSourceURL: res.SelectedSourceURL,
		Details:           res.Details(),
	}
	if err := o.store.AppendAuditEvent(ctx, ev); err != nil {
		return res, nil, err
	}
	_, err = o.store.UpdateCharacterState(ctx, storyID, func(cs *models.CharacterState) error {
		cs.TargetName = res.TargetName
		cs.AuditStatus = res.Status
		cs.AuditScore = res.Score
		cs.AuditSourceURL = res.SelectedSourceURL
		return nil
	})
	if err != nil {
		return res, nil, err
	}
	if res.Status != models.AuditStatusVerified {
		return res, nil, nil
	}
	rec, err := o.registry.Upsert(ctx, identity.UpsertInput{
		Name:        res.TargetName,
		ImageURL:    res.SelectedImageURL,
		SourceURL:   res.SelectedSourceURL,
		SourceLabel: res.SelectedSource,
		AuditScore:  res.Score,
		AuditStatus: res.Status,
		AuditLog:    res.Details(),
	})
	if err != nil {
		return res, nil, err
	}
	return res, rec, nil
}

// AuditEvents lists a story's identity audits, newest first.
func (o *Orchestrator) AuditEvents(ctx context.Context, storyID string) ([]models.AuditEvent, error) {
	return o.store.ListAuditEvents(ctx, storyID)
}

// Registry lists every registered character.
func (o *Orchestrator) Registry(ctx context.Context) ([]models.CharacterRegistryRecord, error) {
	return o.store.ListRegistry(ctx)
}
