package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
	"SceneForge-server/identity"
	"SceneForge-server/models"
	"SceneForge-server/provider"
	"SceneForge-server/reference"
)

// Enqueuer hands a created job to the queue worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Auditor searches public sources for a character's reference image.
type Auditor interface {
	Run(ctx context.Context, name string, minScore float64, sources []string) (*identity.AuditResult, error)
}

type Deps struct {
	Store      *models.Store
	Provider   provider.Client
	References *reference.Resolver
	Auditor    Auditor
	Registry   *identity.Registry
	Enqueuer   Enqueuer
	Logger     *slog.Logger
}

type Options struct {
	Strategy   string
	ImageModel string
	VideoModel string
	Generation config.GenerationConfig
	Character  config.CharacterConfig
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Strategy:   cfg.Execution.Strategy,
		ImageModel: cfg.Provider.ImageModel,
		VideoModel: cfg.Provider.VideoModel,
		Generation: cfg.Generation,
		Character:  cfg.Character,
	}
}

// Result is what one generation step produced. URL is empty when the
// step only submitted the task.
type Result struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url"`

	// set when the character was taken from the registry
	record      *models.CharacterRegistryRecord
	target      string
	auditStatus string
}

// Orchestrator drives scenes and the story character through image and
// video generation. The Store is the only source of truth; the active job
// registry only tracks which units this process is working on.
type Orchestrator struct {
	store    *models.Store
	provider provider.Client
	refs     *reference.Resolver
	auditor  Auditor
	registry *identity.Registry
	enqueuer Enqueuer
	logger   *slog.Logger
	opts     Options

	active  *activeJobs
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	newID   func() string
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyPersistent
	}
	registry := deps.Registry
	if registry == nil {
		registry = identity.NewRegistry(deps.Store)
	}
	refs := deps.References
	if refs == nil {
		var uploader reference.Uploader
		if deps.Provider != nil {
			uploader = deps.Provider
		}
		refs = reference.NewResolver(reference.Options{Logger: logger}, uploader)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    deps.Store,
		provider: deps.Provider,
		refs:     refs,
		auditor:  deps.Auditor,
		registry: registry,
		enqueuer: deps.Enqueuer,
		logger:   logger,
		opts:     opts,
		active:   newActiveJobs(),
		baseCtx:  ctx,
		cancel:   cancel,
		newID:    uuid.NewString,
	}
}

// Wait blocks until every in-process worker has written back.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops in-process workers and waits for them. Jobs that already
// have a provider task stay running for reconciliation.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) Store() *models.Store {
	return o.store
}

func (o *Orchestrator) Strategy() string {
	return o.opts.Strategy
}

// unit is one (story, scene, stage) piece of work. The story character is
// the unit with an empty scene and the image stage.
type unit struct {
	storyID string
	sceneID string
	stage   string
}

func (u unit) key() string { return unitKey(u.storyID, u.sceneID, u.stage) }

func (u unit) isCharacter() bool { return u.sceneID == "" }

func (u unit) String() string {
	if u.isCharacter() {
		return fmt.Sprintf("character of story %s", u.storyID)
	}
	return fmt.Sprintf("%s stage of scene %s", u.stage, u.sceneID)
}

func unitOf(job *models.Job) unit {
	return unit{storyID: job.StoryID, sceneID: job.SceneKey(), stage: job.Stage}
}

// executor produces the artifact for a unit. With submitOnly it returns as
// soon as the provider accepted the task. onSubmit, when set, sees the
// task id before polling starts.
type executor func(ctx context.Context, dryRun, submitOnly bool, onSubmit func(taskID string)) (Result, error)

func (o *Orchestrator) executorFor(u unit) executor {
	return func(ctx context.Context, dryRun, submitOnly bool, onSubmit func(string)) (Result, error) {
		if u.isCharacter() {
			story, err := o.store.GetStory(ctx, u.storyID)
			if err != nil {
				return Result{}, err
			}
			return o.generateCharacter(ctx, story, dryRun, submitOnly, onSubmit)
		}
		scene, err := o.store.GetScene(ctx, u.sceneID)
		if err != nil {
			return Result{}, err
		}
		if u.stage == models.StageVideo {
			return o.generateVideo(ctx, scene, dryRun, submitOnly, onSubmit)
		}
		return o.generateImage(ctx, scene, dryRun, submitOnly, onSubmit)
	}
}

func (o *Orchestrator) requireProvider(dryRun bool) error {
	if !dryRun && o.provider == nil {
		return apperr.Configuration("WAVESPEED_API_KEY is required for live generation")
	}
	return nil
}

func (o *Orchestrator) newJob(u unit, dryRun bool) *models.Job {
	job := &models.Job{
		ID:          o.newID(),
		StoryID:     u.storyID,
		Stage:       u.stage,
		Mode:        models.ModeLive,
		Status:      models.JobStatusRunning,
		RequestedAt: time.Now(),
	}
	if dryRun {
		job.Mode = models.ModeDryRun
	}
	if !u.isCharacter() {
		id := u.sceneID
		job.SceneID = &id
	}
	return job
}

// StartSceneJob starts image or video generation for one scene using the
// configured execution strategy. Dry runs complete before it returns.
func (o *Orchestrator) StartSceneJob(ctx context.Context, sceneID, stage string, dryRun bool) (*models.Job, error) {
	if !models.ValidStage(stage) {
		return nil, apperr.Validation("unknown stage %q", stage)
	}
	scene, err := o.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	return o.startUnit(ctx, unit{storyID: scene.StoryID, sceneID: scene.ID, stage: stage}, dryRun, false)
}

// StartCharacterJob (re)generates the story's character model. A failed
// or completed character is reset first; a running one is a duplicate.
func (o *Orchestrator) StartCharacterJob(ctx context.Context, storyID string, dryRun bool) (*models.Job, error) {
	if _, err := o.store.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	u := unit{storyID: storyID, stage: models.StageImage}
	_, err := o.store.UpdateCharacterState(ctx, storyID, func(cs *models.CharacterState) error {
		if cs.Status == models.StatusRunning {
			return apperr.DuplicateJob("character of story %s is already being generated", storyID)
		}
		cs.Reset()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.startUnit(ctx, u, dryRun, false)
}

// precheck rejects starts the unit's current state does not allow.
func (o *Orchestrator) precheck(ctx context.Context, u unit, dryRun bool) error {
	var status, url string
	if u.isCharacter() {
		cs, err := o.store.GetCharacterState(ctx, u.storyID)
		if err != nil {
			return err
		}
		status, url = cs.Status, cs.ImageURL
	} else {
		scene, err := o.store.GetScene(ctx, u.sceneID)
		if err != nil {
			return err
		}
		status, url = scene.StageStatus(u.stage), scene.StageURL(u.stage)
		if u.stage == models.StageVideo {
			if !dryRun && !scene.HasLiveImage() {
				return apperr.Validation("scene %s needs a generated image before a live video", scene.ID)
			}
			if scene.ImageStatus != models.StatusCompleted || scene.ImageURL == "" {
				return apperr.Validation("scene %s needs an image before a video", scene.ID)
			}
		}
	}
	switch status {
	case models.StatusRunning:
		return apperr.DuplicateJob("%s is already running", u)
	case models.StatusCompleted:
		if !dryRun && models.IsSimulatedURL(url) {
			return nil
		}
		return apperr.Validation("%s is already completed; reset it first", u)
	}
	return nil
}

// markRunning claims the unit by moving it to running inside a locked
// update. A live job over a dry-run placeholder resets the placeholder
// first. The returned undo restores the previous state as long as no task
// was attached since.
func (o *Orchestrator) markRunning(ctx context.Context, u unit, dryRun bool) (undo func(context.Context), err error) {
	var (
		prevScene models.Scene
		prevChar  models.CharacterState
	)
	if u.isCharacter() {
		_, err = o.store.UpdateCharacterState(ctx, u.storyID, func(cs *models.CharacterState) error {
			prevChar = *cs
			if !dryRun && cs.Status == models.StatusCompleted && models.IsSimulatedURL(cs.ImageURL) {
				cs.Reset()
			}
			return cs.MarkRunning()
		})
	} else {
		_, err = o.store.UpdateScene(ctx, u.sceneID, func(s *models.Scene) error {
			prevScene = *s
			if !dryRun && s.StageStatus(u.stage) == models.StatusCompleted && models.IsSimulatedURL(s.StageURL(u.stage)) {
				s.ResetStage(u.stage)
			}
			return s.MarkRunning(u.stage)
		})
	}
	if errors.Is(err, models.ErrStaleTransition) {
		return nil, apperr.DuplicateJob("%s changed while the job was starting", u)
	}
	if err != nil {
		return nil, err
	}
	undo = func(ctx context.Context) {
		var err error
		if u.isCharacter() {
			_, err = o.store.UpdateCharacterState(ctx, u.storyID, func(cs *models.CharacterState) error {
				return cs.Restore(&prevChar)
			})
		} else {
			_, err = o.store.UpdateScene(ctx, u.sceneID, func(s *models.Scene) error {
				return s.RestoreStages(u.stage, &prevScene)
			})
		}
		if err != nil {
			o.logger.Warn("claim not released", "unit", u.key(), "error", err)
		}
	}
	return undo, nil
}

// abandon releases a claim whose job never reached the provider.
func (o *Orchestrator) abandon(ctx context.Context, job *models.Job, undo func(context.Context)) {
	undo(ctx)
	if err := o.store.DiscardJob(ctx, job.ID); err != nil {
		o.logger.Warn("job not discarded", "job_id", job.ID, "error", err)
	}
}

// recordTask stores a freshly submitted task id on the job and the unit.
func (o *Orchestrator) recordTask(ctx context.Context, u unit, job *models.Job) func(string) {
	return func(taskID string) {
		job.TaskID = taskID
		if err := o.store.SetJobTask(ctx, job.ID, taskID); err != nil {
			o.logger.Warn("task id not recorded", "job_id", job.ID, "task_id", taskID, "error", err)
		}
		o.attach(ctx, u, taskID)
	}
}

func (o *Orchestrator) attach(ctx context.Context, u unit, taskID string) {
	var err error
	if u.isCharacter() {
		_, err = o.store.UpdateCharacterState(ctx, u.storyID, func(cs *models.CharacterState) error {
			return cs.AttachTask(taskID)
		})
	} else {
		_, err = o.store.UpdateScene(ctx, u.sceneID, func(s *models.Scene) error {
			return s.AttachTask(u.stage, taskID)
		})
	}
	if err != nil {
		o.logger.Warn("task id not attached", "unit", u.key(), "task_id", taskID, "error", err)
	}
}

// land writes a finished artifact back to the unit, then closes the job.
// A unit that was reset or moved on keeps its state; the job still
// records what the provider returned.
func (o *Orchestrator) land(ctx context.Context, u unit, job *models.Job, res Result) {
	var err error
	if u.isCharacter() {
		_, err = o.store.UpdateCharacterState(ctx, u.storyID, func(cs *models.CharacterState) error {
			if err := cs.MarkCompleted(res.TaskID, res.URL); err != nil {
				return err
			}
			if res.record != nil {
				cs.BindRegistry(res.record, res.target)
				if res.auditStatus != "" {
					cs.AuditStatus = res.auditStatus
				}
			}
			return nil
		})
	} else {
		_, err = o.store.UpdateScene(ctx, u.sceneID, func(s *models.Scene) error {
			return s.MarkCompleted(u.stage, res.TaskID, res.URL)
		})
	}
	o.logWriteback(u, job, res.TaskID, err)
	o.finishJob(ctx, job, models.JobStatusCompleted, res.TaskID, res.URL, "")
}

func (o *Orchestrator) fail(ctx context.Context, u unit, job *models.Job, taskID, msg string) {
	var err error
	if u.isCharacter() {
		_, err = o.store.UpdateCharacterState(ctx, u.storyID, func(cs *models.CharacterState) error {
			return cs.MarkFailed(taskID, msg)
		})
	} else {
		_, err = o.store.UpdateScene(ctx, u.sceneID, func(s *models.Scene) error {
			return s.MarkFailed(u.stage, taskID, msg)
		})
	}
	o.logWriteback(u, job, taskID, err)
	o.finishJob(ctx, job, models.JobStatusFailed, taskID, "", msg)
}

func (o *Orchestrator) logWriteback(u unit, job *models.Job, taskID string, err error) {
	switch {
	case errors.Is(err, models.ErrStaleTransition):
		o.logger.Warn("stale result dropped", "job_id", job.ID, "unit", u.key(), "task_id", taskID)
	case err != nil:
		o.logger.Error("writeback failed", "job_id", job.ID, "unit", u.key(), "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) finishJob(ctx context.Context, job *models.Job, status, taskID, url, msg string) {
	ok, err := o.store.FinishJob(ctx, job.ID, status, taskID, url, msg)
	if err != nil {
		o.logger.Error("job not finished", "job_id", job.ID, "status", status, "error", err)
		return
	}
	if ok {
		job.Status = status
		if taskID != "" {
			job.TaskID = taskID
		}
		job.ResultURL = url
		job.Error = msg
		o.logger.Info("job finished", "job_id", job.ID, "status", status, "task_id", taskID)
	}
}

// startUnit is shared by scene and character jobs. inline runs the job to
// completion in the caller regardless of strategy.
func (o *Orchestrator) startUnit(ctx context.Context, u unit, dryRun, inline bool) (*models.Job, error) {
	if err := o.requireProvider(dryRun); err != nil {
		return nil, err
	}
	queued := !dryRun && !inline && o.opts.Strategy == config.StrategyQueue
	if queued && o.enqueuer == nil {
		return nil, apperr.Configuration("queue strategy needs a redis address")
	}
	if err := o.precheck(ctx, u, dryRun); err != nil {
		return nil, err
	}
	job := o.newJob(u, dryRun)
	if !o.active.TryAcquire(u.key(), job.ID) {
		return nil, apperr.DuplicateJob("a job for the %s is already running", u)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			o.active.Release(u.key(), job.ID)
		}
	}()
	running, err := o.store.FindRunningJob(ctx, u.storyID, u.sceneID, u.stage)
	if err != nil {
		return nil, err
	}
	if running != nil {
		return nil, apperr.DuplicateJob("job %s is already running for the %s", running.ID, u)
	}

	exec := o.executorFor(u)
	logger := o.logger.With("job_id", job.ID, "story_id", u.storyID, "scene_id", u.sceneID, "stage", u.stage)

	// The claim comes first: another process starting the same unit sees
	// it running and is refused before anything is submitted.
	undo, err := o.markRunning(ctx, u, dryRun)
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		undo(context.WithoutCancel(ctx))
		return nil, err
	}

	if !dryRun && !inline && o.opts.Strategy == config.StrategySingleShot {
		res, err := exec(ctx, false, true, o.recordTask(ctx, u, job))
		if err != nil {
			wctx := context.WithoutCancel(ctx)
			if job.TaskID != "" {
				o.fail(wctx, u, job, job.TaskID, err.Error())
			} else {
				// A rejected submission leaves the unit as it was.
				o.abandon(wctx, job, undo)
			}
			return nil, err
		}
		if res.URL != "" {
			o.land(ctx, u, job, res)
			return job, nil
		}
		logger.Info("job submitted", "task_id", job.TaskID)
		return job, nil
	}

	switch {
	case dryRun || inline:
		err := o.runUnit(ctx, u, job, exec)
		return job, err
	case queued:
		if err := o.enqueuer.Enqueue(ctx, job.ID); err != nil {
			o.fail(ctx, u, job, "", err.Error())
			return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		logger.Info("job enqueued")
		return job, nil
	default:
		handedOff = true
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.active.Release(u.key(), job.ID)
			_ = o.runUnit(o.baseCtx, u, job, exec)
		}()
		logger.Info("job started")
		return job, nil
	}
}

// runUnit executes a created job and writes the outcome back. A job that
// already carries a task id resumes polling instead of submitting again.
func (o *Orchestrator) runUnit(ctx context.Context, u unit, job *models.Job, exec executor) (err error) {
	wctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			o.fail(wctx, u, job, job.TaskID, err.Error())
		}
	}()

	var res Result
	if job.TaskID != "" && !job.DryRun() {
		res, err = o.await(ctx, job.TaskID, u.stage)
	} else {
		res, err = exec(ctx, job.DryRun(), false, o.recordTask(ctx, u, job))
	}
	if res.TaskID == "" {
		res.TaskID = job.TaskID
	}
	if err != nil {
		if ctx.Err() != nil && res.TaskID != "" {
			o.logger.Warn("worker stopped, job left for reconciliation", "job_id", job.ID, "task_id", res.TaskID)
			return err
		}
		o.fail(wctx, u, job, res.TaskID, err.Error())
		return err
	}
	o.land(wctx, u, job, res)
	return nil
}

// await polls a submitted task and picks the artifact URL.
func (o *Orchestrator) await(ctx context.Context, taskID, stage string) (Result, error) {
	if err := o.requireProvider(false); err != nil {
		return Result{TaskID: taskID}, err
	}
	g := o.opts.Generation
	st, err := provider.Poll(ctx, o.provider, taskID, g.PollInterval(), g.PollTimeout(), o.logger)
	if err != nil {
		return Result{TaskID: taskID}, err
	}
	url, err := provider.ChoosePrimaryURL(st.Outputs, stage)
	return Result{TaskID: taskID, URL: url}, err
}

// RunJob runs a job created by another process to completion. Jobs that
// are no longer running are ignored.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusRunning {
		o.logger.Info("job already finished", "job_id", job.ID, "status", job.Status)
		return nil
	}
	u := unitOf(job)
	if !o.active.TryAcquire(u.key(), job.ID) {
		return apperr.DuplicateJob("the %s is already being worked on", u)
	}
	defer o.active.Release(u.key(), job.ID)
	return o.runUnit(ctx, u, job, o.executorFor(u))
}
