package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"SceneForge-server/apperr"
	"SceneForge-server/identity"
	"SceneForge-server/models"
)

var (
	ErrCharacterRunning    = &apperr.Error{Kind: apperr.KindValidation, Message: "character model is still being generated"}
	ErrCharacterFailed     = &apperr.Error{Kind: apperr.KindValidation, Message: "character model generation failed; start a new character job"}
	ErrCharacterUnresolved = &apperr.Error{Kind: apperr.KindValidation, Message: "character model has no image"}
)

const defaultCharacterPrompt = "Character model sheet of the story's main character, full body, neutral pose, plain background."

func simulatedURL(storyID, name string) string {
	return models.SimulatedURLPrefix + storyID + "/" + name
}

// GenerateSceneImage produces the scene's image without touching scene
// state. With submitOnly it returns once the provider accepted the task.
func (o *Orchestrator) GenerateSceneImage(ctx context.Context, sceneID string, dryRun, submitOnly bool) (Result, error) {
	scene, err := o.store.GetScene(ctx, sceneID)
	if err != nil {
		return Result{}, err
	}
	return o.generateImage(ctx, scene, dryRun, submitOnly, nil)
}

// GenerateSceneVideo animates the scene's stored image.
func (o *Orchestrator) GenerateSceneVideo(ctx context.Context, sceneID string, dryRun, submitOnly bool) (Result, error) {
	scene, err := o.store.GetScene(ctx, sceneID)
	if err != nil {
		return Result{}, err
	}
	return o.generateVideo(ctx, scene, dryRun, submitOnly, nil)
}

func (o *Orchestrator) generateImage(ctx context.Context, scene *models.Scene, dryRun, submitOnly bool, onSubmit func(string)) (Result, error) {
	story, err := o.store.GetStory(ctx, scene.StoryID)
	if err != nil {
		return Result{}, err
	}
	style, err := o.refs.Resolve(ctx, story.StyleReferenceImages, dryRun)
	if err != nil {
		return Result{}, err
	}
	extra, err := o.refs.Resolve(ctx, scene.ReferenceImages, dryRun)
	if err != nil {
		return Result{}, err
	}
	character, err := o.ensureCharacter(ctx, story, dryRun, submitOnly)
	if err != nil {
		return Result{}, err
	}
	images := mergeImages(style, []string{character}, extra)

	if dryRun {
		return Result{TaskID: "dry-run-" + scene.ID + "-image", URL: simulatedURL(story.ID, scene.ID+".png")}, nil
	}
	if err := o.requireProvider(false); err != nil {
		return Result{}, err
	}
	g := o.opts.Generation
	input := map[string]any{
		"prompt":        sceneImagePrompt(scene.ImagePrompt),
		"images":        images,
		"resolution":    g.ImageResolution,
		"output_format": g.ImageOutputFormat,
	}
	return o.submit(ctx, o.opts.ImageModel, input, models.StageImage, submitOnly, onSubmit)
}

func (o *Orchestrator) generateVideo(ctx context.Context, scene *models.Scene, dryRun, submitOnly bool, onSubmit func(string)) (Result, error) {
	if dryRun {
		if scene.ImageURL == "" {
			return Result{}, apperr.Validation("scene %s has no image to animate", scene.ID)
		}
		return Result{TaskID: "dry-run-" + scene.ID + "-video", URL: simulatedURL(scene.StoryID, scene.ID+".mp4")}, nil
	}
	if !scene.HasLiveImage() {
		return Result{}, apperr.Validation("scene %s needs a generated image before a live video", scene.ID)
	}
	if err := o.requireProvider(false); err != nil {
		return Result{}, err
	}
	g := o.opts.Generation
	input := map[string]any{
		"image":              scene.ImageURL,
		"prompt":             editablePrompt(scene.MotionPrompt),
		"duration":           g.VideoDurationSeconds,
		"resolution":         g.VideoResolution,
		"movement_amplitude": g.MovementAmplitude,
		"generate_audio":     g.GenerateAudio,
		"bgm":                g.BGM,
	}
	return o.submit(ctx, o.opts.VideoModel, input, models.StageVideo, submitOnly, onSubmit)
}

// generateCharacter produces the story's character model. A verified
// identity audit binds the audited image instead of generating one.
func (o *Orchestrator) generateCharacter(ctx context.Context, story *models.Story, dryRun, submitOnly bool, onSubmit func(string)) (Result, error) {
	if dryRun {
		return Result{TaskID: "dry-run-" + story.ID + "-character", URL: simulatedURL(story.ID, "character.png")}, nil
	}
	if err := o.requireProvider(false); err != nil {
		return Result{}, err
	}
	name, err := o.targetName(ctx, story)
	if err != nil {
		return Result{}, err
	}
	c := o.opts.Character
	if c.AuditEnabled && o.auditor != nil && name != "" {
		res, rec, err := o.audit(ctx, story.ID, name, c.MinConfidenceScore, c.AuditSources)
		switch {
		case err != nil:
			o.logger.Warn("identity audit failed, generating character", "story_id", story.ID, "name", name, "error", err)
		case rec != nil:
			return Result{URL: rec.ImageURL, record: rec, target: name, auditStatus: res.Status}, nil
		}
	}

	style, err := o.refs.Resolve(ctx, story.StyleReferenceImages, false)
	if err != nil {
		return Result{}, err
	}
	g := o.opts.Generation
	input := map[string]any{
		"prompt":        editablePrompt(characterPrompt(story, name)),
		"resolution":    g.ImageResolution,
		"output_format": g.ImageOutputFormat,
	}
	if len(style) > 0 {
		input["images"] = style
	}
	return o.submit(ctx, o.opts.ImageModel, input, models.StageImage, submitOnly, onSubmit)
}

func characterPrompt(story *models.Story, name string) string {
	prompt := strings.TrimSpace(story.CharacterPrompt)
	if prompt == "" {
		prompt = defaultCharacterPrompt
		if name != "" {
			prompt = fmt.Sprintf("Character model sheet of %s, full body, neutral pose, plain background.", name)
		}
	}
	if notes := strings.TrimSpace(story.ConsistencyNotes); notes != "" {
		prompt += " " + notes
	}
	return prompt
}

func (o *Orchestrator) submit(ctx context.Context, model string, input map[string]any, stage string, submitOnly bool, onSubmit func(string)) (Result, error) {
	taskID, err := o.provider.Submit(ctx, model, input)
	if err != nil {
		return Result{}, err
	}
	if taskID == "" {
		return Result{}, apperr.Provider("provider accepted %s without a task id", model)
	}
	o.logger.Info("task submitted", "model", model, "stage", stage, "task_id", taskID)
	if onSubmit != nil {
		onSubmit(taskID)
	}
	if submitOnly {
		return Result{TaskID: taskID}, nil
	}
	return o.await(ctx, taskID, stage)
}

// ensureCharacter returns the character image a scene image should use,
// generating it first when nothing usable exists yet.
func (o *Orchestrator) ensureCharacter(ctx context.Context, story *models.Story, dryRun, submitOnly bool) (string, error) {
	cs, err := o.store.GetCharacterState(ctx, story.ID)
	if err != nil {
		return "", err
	}
	if cs.Status == models.StatusCompleted && cs.ImageURL != "" && (dryRun || cs.HasLiveImage()) {
		return cs.ImageURL, nil
	}
	if cs.Status != models.StatusRunning {
		bound, url, err := o.autoBind(ctx, story, false)
		if err != nil {
			o.logger.Warn("registry bind failed", "story_id", story.ID, "error", err)
		} else if bound {
			return url, nil
		}
	}
	switch cs.Status {
	case models.StatusRunning:
		return "", ErrCharacterRunning
	case models.StatusFailed:
		return "", fmt.Errorf("%w: %s", ErrCharacterFailed, cs.LastError)
	}

	u := unit{storyID: story.ID, stage: models.StageImage}
	job, err := o.startUnit(ctx, u, dryRun, !submitOnly)
	if err != nil {
		return "", characterStartErr(err)
	}
	switch {
	case job.Status == models.JobStatusCompleted && job.ResultURL != "":
		return job.ResultURL, nil
	case job.Status == models.JobStatusRunning:
		return "", ErrCharacterRunning
	}
	return "", ErrCharacterUnresolved
}

func characterStartErr(err error) error {
	if errors.Is(err, apperr.ErrDuplicateJob) {
		return ErrCharacterRunning
	}
	return err
}

// mergeImages concatenates the groups in order, dropping blanks and
// repeats.
func mergeImages(groups ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range groups {
		for _, u := range g {
			u = strings.TrimSpace(u)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func (o *Orchestrator) targetName(ctx context.Context, story *models.Story) (string, error) {
	scenes, err := o.store.ListScenes(ctx, story.ID)
	if err != nil {
		return "", err
	}
	configured := o.opts.Character.Name
	if configured == "" {
		configured = story.CharacterName
	}
	return identity.InferTargetName(configured, story.Texts(scenes)...), nil
}
