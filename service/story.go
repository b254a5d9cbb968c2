package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
	"SceneForge-server/models"
)

// StoryPayload is the story document a run starts from.
type StoryPayload struct {
	StoryID              string   `json:"story_id"`
	Title                string   `json:"title"`
	VoiceoverScriptPath  string   `json:"voiceover_script_path,omitempty"`
	ScriptText           string   `json:"script_text,omitempty"`
	StyleReferenceImages []string `json:"style_reference_images"`
	Character            struct {
		Name                 string `json:"name"`
		CharacterModelPrompt string `json:"character_model_prompt"`
		ConsistencyNotes     string `json:"consistency_notes"`
	} `json:"character"`
	Scenes []ScenePayload `json:"scenes"`
}

type ScenePayload struct {
	SceneID         string   `json:"scene_id"`
	Narration       string   `json:"narration"`
	ImagePrompt     string   `json:"image_prompt"`
	MotionPrompt    string   `json:"motion_prompt"`
	ReferenceImages []string `json:"reference_images"`
}

// LoadStoryPayload reads a payload file. A relative voiceover script path
// is resolved against the payload's directory and read into ScriptText.
func LoadStoryPayload(path string) (*StoryPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, "read story payload %s", path)
	}
	var p StoryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "parse story payload %s", path)
	}
	if vp := strings.TrimSpace(p.VoiceoverScriptPath); vp != "" && p.ScriptText == "" {
		if !filepath.IsAbs(vp) {
			vp = filepath.Join(filepath.Dir(path), vp)
		}
		text, err := os.ReadFile(vp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "voiceover_script_path %s", vp)
		}
		p.ScriptText = string(text)
	}
	return &p, nil
}

func (p *StoryPayload) Validate() error {
	if strings.TrimSpace(p.StoryID) == "" {
		return apperr.Validation("story_id is required")
	}
	if len(p.Scenes) == 0 {
		return apperr.Validation("story %s must include at least one scene", p.StoryID)
	}
	if len(p.StyleReferenceImages) == 0 {
		return apperr.Validation("story %s needs at least one style reference image", p.StoryID)
	}
	seen := map[string]bool{}
	for i, sc := range p.Scenes {
		id := p.sceneID(i, sc)
		if seen[id] {
			return apperr.Validation("scene id %s appears twice", id)
		}
		seen[id] = true
	}
	return nil
}

func (p *StoryPayload) sceneID(i int, sc ScenePayload) string {
	if id := strings.TrimSpace(sc.SceneID); id != "" {
		return id
	}
	return fmt.Sprintf("%s-scene_%02d", p.StoryID, i+1)
}

// SyncStory creates or refreshes a story and its scenes. Changed prompts
// or scene references invalidate the stages built from them; scenes the
// payload no longer lists are left untouched.
func (o *Orchestrator) SyncStory(ctx context.Context, p *StoryPayload) (*models.Story, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	story, err := o.store.GetStory(ctx, p.StoryID)
	if errors.Is(err, apperr.ErrNotFound) {
		story = &models.Story{ID: p.StoryID}
	} else if err != nil {
		return nil, err
	}
	story.Title = p.Title
	story.ScriptText = p.ScriptText
	story.StyleReferenceImages = models.StringList(p.StyleReferenceImages)
	story.CharacterName = strings.TrimSpace(p.Character.Name)
	story.CharacterPrompt = p.Character.CharacterModelPrompt
	story.ConsistencyNotes = p.Character.ConsistencyNotes
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, err
	}

	for i, sp := range p.Scenes {
		id := p.sceneID(i, sp)
		imagePrompt := editablePrompt(sp.ImagePrompt)
		motionPrompt := editablePrompt(sp.MotionPrompt)
		refs := models.StringList(sp.ReferenceImages)

		existing, err := o.store.GetScene(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			sc := models.NewScene(story.ID, id, i+1)
			sc.Narration = sp.Narration
			sc.ImagePrompt = imagePrompt
			sc.MotionPrompt = motionPrompt
			sc.ReferenceImages = refs
			if err := o.store.CreateScene(ctx, sc); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if existing.StoryID != story.ID {
			return nil, apperr.Validation("scene %s belongs to story %s", id, existing.StoryID)
		}
		_, err = o.store.UpdateScene(ctx, id, func(s *models.Scene) error {
			s.Position = i + 1
			s.Narration = sp.Narration
			if !slices.Equal(s.ReferenceImages, refs) {
				s.ReferenceImages = refs
				s.ResetStage(models.StageImage)
			}
			s.ApplyPromptEdit(&imagePrompt, &motionPrompt)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	o.logger.Info("story synced", "story_id", story.ID, "scenes", len(p.Scenes))
	return story, nil
}

// UpdateScenePrompts stores edited prompts with the guardrail clauses
// applied. A changed image prompt resets both stages; a changed motion
// prompt resets the video.
func (o *Orchestrator) UpdateScenePrompts(ctx context.Context, sceneID string, imagePrompt, motionPrompt *string) (*models.Scene, error) {
	if imagePrompt == nil && motionPrompt == nil {
		return nil, apperr.Validation("nothing to update for scene %s", sceneID)
	}
	if imagePrompt != nil {
		p := editablePrompt(*imagePrompt)
		imagePrompt = &p
	}
	if motionPrompt != nil {
		p := editablePrompt(*motionPrompt)
		motionPrompt = &p
	}
	var imageReset, videoReset bool
	scene, err := o.store.UpdateScene(ctx, sceneID, func(s *models.Scene) error {
		imageReset, videoReset = s.ApplyPromptEdit(imagePrompt, motionPrompt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("scene prompts updated", "scene_id", sceneID, "image_reset", imageReset, "video_reset", videoReset)
	return scene, nil
}

// ResetSceneStage sends a stage back to pending. Resetting the image also
// resets the video.
func (o *Orchestrator) ResetSceneStage(ctx context.Context, sceneID, stage string) (*models.Scene, error) {
	if !models.ValidStage(stage) {
		return nil, apperr.Validation("unknown stage %q", stage)
	}
	return o.store.UpdateScene(ctx, sceneID, func(s *models.Scene) error {
		s.ResetStage(stage)
		return nil
	})
}

// RunReport lists what RunStory generated, in order.
type RunReport struct {
	StoryID   string   `json:"story_id"`
	DryRun    bool     `json:"dry_run"`
	Generated []string `json:"generated"`
	Skipped   []string `json:"skipped"`
}

// RunStory generates every scene's image then video in scene order,
// waiting for each one. It stops at the first failure.
func (o *Orchestrator) RunStory(ctx context.Context, storyID string, dryRun bool) (*RunReport, error) {
	if _, err := o.store.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	scenes, err := o.store.ListScenes(ctx, storyID)
	if err != nil {
		return nil, err
	}
	report := &RunReport{StoryID: storyID, DryRun: dryRun}
	for _, sc := range scenes {
		for _, stage := range []string{models.StageImage, models.StageVideo} {
			cur, err := o.store.GetScene(ctx, sc.ID)
			if err != nil {
				return report, err
			}
			label := sc.ID + "/" + stage
			url := cur.StageURL(stage)
			if cur.StageStatus(stage) == models.StatusCompleted && (dryRun || !models.IsSimulatedURL(url)) {
				report.Skipped = append(report.Skipped, label)
				continue
			}
			u := unit{storyID: storyID, sceneID: sc.ID, stage: stage}
			if _, err := o.startUnit(ctx, u, dryRun, true); err != nil {
				return report, fmt.Errorf("%s: %w", label, err)
			}
			report.Generated = append(report.Generated, label)
		}
	}
	o.logger.Info("story run finished", "story_id", storyID, "dry_run", dryRun,
		"generated", len(report.Generated), "skipped", len(report.Skipped))
	return report, nil
}

// Snapshot is the full state of one story.
type Snapshot struct {
	Story     *models.Story          `json:"story"`
	Scenes    []models.Scene         `json:"scenes"`
	Character *models.CharacterState `json:"character"`
	Jobs      []models.Job           `json:"jobs"`
	Reconcile *ReconcileReport       `json:"reconcile,omitempty"`
}

const snapshotJobLimit = 50

// Snapshot reads a story's state. Under the single-shot strategy nothing
// else polls, so running jobs are reconciled first.
func (o *Orchestrator) Snapshot(ctx context.Context, storyID string) (*Snapshot, error) {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Story: story}
	if o.opts.Strategy == config.StrategySingleShot {
		rep, err := o.ReconcileRunningJobs(ctx)
		if err != nil {
			o.logger.Warn("reconcile before snapshot failed", "story_id", storyID, "error", err)
		} else {
			snap.Reconcile = &rep
		}
	}
	if snap.Scenes, err = o.store.ListScenes(ctx, storyID); err != nil {
		return nil, err
	}
	if snap.Character, err = o.store.GetCharacterState(ctx, storyID); err != nil {
		return nil, err
	}
	if snap.Jobs, err = o.store.ListJobs(ctx, storyID, snapshotJobLimit); err != nil {
		return nil, err
	}
	return snap, nil
}
