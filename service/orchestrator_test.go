package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
	"SceneForge-server/identity"
	"SceneForge-server/models"
	"SceneForge-server/provider"
)

type submitCall struct {
	model  string
	input  map[string]any
	taskID string
}

// fakeProvider succeeds every task unless told otherwise. When release is
// set, status checks wait for it to close. When gate is set, submissions
// announce themselves on entered and wait for gate to close.
type fakeProvider struct {
	mu        sync.Mutex
	n         int
	submits   []submitCall
	failures  map[string]string
	pending   map[string]bool
	release   chan struct{}
	gate      chan struct{}
	entered   chan struct{}
	submitErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failures: map[string]string{}, pending: map[string]bool{}}
}

func (f *fakeProvider) Submit(ctx context.Context, model string, input map[string]any) (string, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.n++
	id := fmt.Sprintf("task-%d", f.n)
	f.submits = append(f.submits, submitCall{model: model, input: input, taskID: id})
	return id, nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, taskID string) (*provider.Status, error) {
	f.mu.Lock()
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.failures[taskID]; ok {
		return &provider.Status{TaskID: taskID, State: provider.StateFailed, RawStatus: "failed", Error: msg}, nil
	}
	if f.pending[taskID] {
		return &provider.Status{TaskID: taskID, State: provider.StateRunning, RawStatus: "processing"}, nil
	}
	return &provider.Status{
		TaskID:    taskID,
		State:     provider.StateSucceeded,
		RawStatus: "completed",
		Outputs:   []string{"https://cdn.test/" + taskID + ".png", "https://cdn.test/" + taskID + ".mp4"},
	}, nil
}

func (f *fakeProvider) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	return "https://cdn.test/upload/" + name, nil
}

func (f *fakeProvider) calls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.submits...)
}

func (f *fakeProvider) set(fn func(f *fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeAuditor struct {
	res   *identity.AuditResult
	calls int
}

func (a *fakeAuditor) Run(ctx context.Context, name string, minScore float64, sources []string) (*identity.AuditResult, error) {
	a.calls++
	res := *a.res
	res.TargetName = name
	res.MinScore = minScore
	return &res, nil
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return nil
}

func testOptions(strategy string) Options {
	opts := OptionsFromConfig(config.Default())
	opts.Strategy = strategy
	opts.Generation.PollIntervalSeconds = 1
	opts.Generation.PollTimeoutSeconds = 5
	opts.Character.AuditEnabled = false
	return opts
}

func newStore(t *testing.T) *models.Store {
	t.Helper()
	db, err := models.OpenDB("sqlite", ":memory:")
	require.NoError(t, err)
	return models.NewStore(db)
}

func newHarness(t *testing.T, opts Options, prov provider.Client, extra ...func(*Deps)) (*Orchestrator, *models.Store) {
	t.Helper()
	st := newStore(t)
	deps := Deps{Store: st, Provider: prov}
	for _, fn := range extra {
		fn(&deps)
	}
	o := New(deps, opts)
	t.Cleanup(o.Close)
	return o, st
}

func testPayload() *StoryPayload {
	p := &StoryPayload{
		StoryID:              "story-1",
		Title:                "The Lantern",
		StyleReferenceImages: []string{"https://refs.test/style.png"},
	}
	p.Character.CharacterModelPrompt = "A young lighthouse keeper with a red scarf"
	p.Scenes = []ScenePayload{
		{SceneID: "s1", Narration: "Night falls.", ImagePrompt: "Keeper lights the lamp", MotionPrompt: "slow push in"},
		{SceneID: "s2", Narration: "Storm.", ImagePrompt: "Waves crash", MotionPrompt: "camera shake"},
	}
	return p
}

func syncStory(t *testing.T, o *Orchestrator, p *StoryPayload) {
	t.Helper()
	_, err := o.SyncStory(context.Background(), p)
	require.NoError(t, err)
}

func completeCharacter(t *testing.T, st *models.Store, storyID, url string) {
	t.Helper()
	_, err := st.UpdateCharacterState(context.Background(), storyID, func(cs *models.CharacterState) error {
		cs.Reset()
		if err := cs.MarkRunning(); err != nil {
			return err
		}
		return cs.MarkCompleted("char-task", url)
	})
	require.NoError(t, err)
}

func mustScene(t *testing.T, st *models.Store, id string) *models.Scene {
	t.Helper()
	sc, err := st.GetScene(context.Background(), id)
	require.NoError(t, err)
	return sc
}

func TestDryRunImageCreatesCharacter(t *testing.T) {
	ctx := context.Background()
	o, st := newHarness(t, testOptions(config.StrategyPersistent), nil)
	syncStory(t, o, testPayload())

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, models.ModeDryRun, job.Mode)

	sc := mustScene(t, st, "s1")
	assert.Equal(t, models.StatusCompleted, sc.ImageStatus)
	assert.Equal(t, "https://dry-run.local/story-1/s1.png", sc.ImageURL)
	assert.Equal(t, models.StatusPending, sc.VideoStatus)

	cs, err := st.GetCharacterState(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cs.Status)
	assert.Equal(t, "https://dry-run.local/story-1/character.png", cs.ImageURL)
	assert.Equal(t, models.CharacterSourceGenerated, cs.Source)

	_, err = o.StartSceneJob(ctx, "s1", models.StageImage, true)
	assert.ErrorIs(t, err, apperr.ErrValidation, "completed stages need a reset first")
}

func TestLiveRequiresProvider(t *testing.T) {
	o, _ := newHarness(t, testOptions(config.StrategyPersistent), nil)
	syncStory(t, o, testPayload())

	_, err := o.StartSceneJob(context.Background(), "s1", models.StageImage, false)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestLiveImageReplacesSimulatedArtifacts(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	o, st := newHarness(t, testOptions(config.StrategyPersistent), fp)
	syncStory(t, o, testPayload())
	_, err := o.StartSceneJob(ctx, "s1", models.StageImage, true)
	require.NoError(t, err)

	_, err = o.StartSceneJob(ctx, "s1", models.StageVideo, false)
	assert.ErrorIs(t, err, apperr.ErrValidation, "a simulated image cannot feed a live video")

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	o.Wait()

	calls := fp.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].input["prompt"], "lighthouse keeper")
	assert.Equal(t, []string{"https://refs.test/style.png"}, calls[0].input["images"])
	assert.Equal(t, []string{"https://refs.test/style.png", "https://cdn.test/task-1.png"}, calls[1].input["images"])
	assert.Contains(t, calls[1].input["prompt"], IdentityClause)
	assert.Contains(t, calls[1].input["prompt"], StyleGuardrail)

	sc := mustScene(t, st, "s1")
	assert.Equal(t, models.StatusCompleted, sc.ImageStatus)
	assert.Equal(t, "https://cdn.test/task-2.png", sc.ImageURL)
	assert.Equal(t, "task-2", sc.ImageTaskID)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "task-2", got.TaskID)

	cs, err := st.GetCharacterState(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/task-1.png", cs.ImageURL)
}

func TestLiveVideoInput(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	o, st := newHarness(t, testOptions(config.StrategyPersistent), fp)
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	_, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	o.Wait()
	_, err = o.StartSceneJob(ctx, "s1", models.StageVideo, false)
	require.NoError(t, err)
	o.Wait()

	calls := fp.calls()
	require.Len(t, calls, 2)
	video := calls[1].input
	assert.Equal(t, "https://cdn.test/task-1.png", video["image"])
	assert.Equal(t, 6, video["duration"])
	assert.Equal(t, "720p", video["resolution"])
	assert.Equal(t, true, video["generate_audio"])

	sc := mustScene(t, st, "s1")
	assert.Equal(t, "https://cdn.test/task-2.mp4", sc.VideoURL)
}

func TestDuplicateStartRejected(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	fp.release = make(chan struct{})
	o, st := newHarness(t, testOptions(config.StrategyPersistent), fp)
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	_, err = o.StartSceneJob(ctx, "s1", models.StageImage, false)
	assert.ErrorIs(t, err, apperr.ErrDuplicateJob)

	rep, err := o.ReconcileRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped, "jobs owned by a live worker are left alone")
	assert.Equal(t, 0, rep.Checked)

	close(fp.release)
	o.Wait()
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestPromptEditDropsStaleResult(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	fp.release = make(chan struct{})
	o, st := newHarness(t, testOptions(config.StrategyPersistent), fp)
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)

	edited := "Keeper lights the lamp at dawn"
	sc, err := o.UpdateScenePrompts(ctx, "s1", &edited, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, sc.ImageStatus)

	close(fp.release)
	o.Wait()

	sc = mustScene(t, st, "s1")
	assert.Equal(t, models.StatusPending, sc.ImageStatus)
	assert.Empty(t, sc.ImageURL)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.True(t, strings.HasPrefix(got.ResultURL, "https://cdn.test/"))
}

func TestSingleShotSubmitThenReconcile(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	fp.pending["task-1"] = true
	o, st := newHarness(t, testOptions(config.StrategySingleShot), fp)
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "task-1", job.TaskID)

	sc := mustScene(t, st, "s1")
	assert.Equal(t, models.StatusRunning, sc.ImageStatus)
	assert.Equal(t, "task-1", sc.ImageTaskID)

	_, err = o.StartSceneJob(ctx, "s1", models.StageImage, false)
	assert.ErrorIs(t, err, apperr.ErrDuplicateJob)

	snap, err := o.Snapshot(ctx, "story-1")
	require.NoError(t, err)
	require.NotNil(t, snap.Reconcile)
	assert.Equal(t, 1, snap.Reconcile.StillRunning)

	fp.set(func(f *fakeProvider) { delete(f.pending, "task-1") })
	rep, err := o.ReconcileRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)

	sc = mustScene(t, st, "s1")
	assert.Equal(t, models.StatusCompleted, sc.ImageStatus)
	assert.Equal(t, "https://cdn.test/task-1.png", sc.ImageURL)

	rep, err = o.ReconcileRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Checked)
}

func TestReconcileRecordsProviderError(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	fp.pending["task-1"] = true
	o, st := newHarness(t, testOptions(config.StrategySingleShot), fp)
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)

	fp.set(func(f *fakeProvider) { f.failures["task-1"] = "nsfw content detected" })
	rep, err := o.ReconcileRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	sc := mustScene(t, st, "s1")
	assert.Equal(t, models.StatusFailed, sc.ImageStatus)
	assert.Equal(t, "nsfw content detected", sc.LastError)
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nsfw content detected", got.Error)

	rep, err = o.ReconcileRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, rep)
}

func TestSingleShotSubmitFailureLeavesSceneUntouched(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	fp.submitErr = apperr.Provider("quota exceeded")
	o, st := newHarness(t, testOptions(config.StrategySingleShot), fp)
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	_, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	assert.ErrorIs(t, err, apperr.ErrProvider)

	sc := mustScene(t, st, "s1")
	assert.Equal(t, models.StatusPending, sc.ImageStatus)
	jobs, err := st.ListJobs(ctx, "story-1", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSingleShotClaimRefusesSecondProcess(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "shared.db")
	openShared := func() *models.Store {
		db, err := models.OpenDB("sqlite", dsn)
		require.NoError(t, err)
		t.Cleanup(func() {
			if raw, err := db.DB(); err == nil {
				_ = raw.Close()
			}
		})
		return models.NewStore(db)
	}
	fp := newFakeProvider()
	stA, stB := openShared(), openShared()
	first := New(Deps{Store: stA, Provider: fp}, testOptions(config.StrategySingleShot))
	t.Cleanup(first.Close)
	second := New(Deps{Store: stB, Provider: fp}, testOptions(config.StrategySingleShot))
	t.Cleanup(second.Close)
	syncStory(t, first, testPayload())
	completeCharacter(t, stA, "story-1", "https://cdn.test/char.png")

	gate, entered := make(chan struct{}), make(chan struct{}, 4)
	fp.set(func(f *fakeProvider) {
		f.gate = gate
		f.entered = entered
	})

	type outcome struct {
		job *models.Job
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		job, err := first.StartSceneJob(ctx, "s1", models.StageImage, false)
		done <- outcome{job, err}
	}()
	<-entered

	// The first start is inside its provider call; the unit is already claimed.
	sc := mustScene(t, stB, "s1")
	assert.Equal(t, models.StatusRunning, sc.ImageStatus)
	_, err := second.StartSceneJob(ctx, "s1", models.StageImage, false)
	assert.ErrorIs(t, err, apperr.ErrDuplicateJob)

	close(gate)
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "task-1", got.job.TaskID)
	assert.Len(t, fp.calls(), 1, "only one provider submission")

	jobs, err := stB.ListJobs(ctx, "story-1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusRunning, jobs[0].Status)
	assert.Equal(t, "task-1", jobs[0].TaskID)
	sc = mustScene(t, stB, "s1")
	assert.Equal(t, models.StatusRunning, sc.ImageStatus)
	assert.Equal(t, "task-1", sc.ImageTaskID)
}

func TestFailedCharacterBlocksSceneImage(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	o, st := newHarness(t, testOptions(config.StrategyPersistent), fp)
	syncStory(t, o, testPayload())
	_, err := st.UpdateCharacterState(ctx, "story-1", func(cs *models.CharacterState) error {
		if err := cs.MarkRunning(); err != nil {
			return err
		}
		return cs.MarkFailed("char-task", "model overloaded")
	})
	require.NoError(t, err)

	_, err = o.GenerateSceneImage(ctx, "s1", false, false)
	assert.ErrorIs(t, err, ErrCharacterFailed)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, fp.calls())

	job, err := o.StartCharacterJob(ctx, "story-1", false)
	require.NoError(t, err)
	o.Wait()
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCharacterJob())
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	res, err := o.GenerateSceneImage(ctx, "s1", false, false)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/task-2.png", res.URL)
	assert.Equal(t, models.StatusPending, mustScene(t, st, "s1").ImageStatus, "generation alone does not touch the scene")
}

func TestCharacterRunningInSingleShot(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	fp.pending["task-1"] = true
	o, st := newHarness(t, testOptions(config.StrategySingleShot), fp)
	syncStory(t, o, testPayload())

	_, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	assert.ErrorIs(t, err, ErrCharacterRunning)
	assert.Equal(t, models.StatusPending, mustScene(t, st, "s1").ImageStatus)

	cs, err := st.GetCharacterState(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, cs.Status)
	assert.Equal(t, "task-1", cs.TaskID)

	fp.set(func(f *fakeProvider) { delete(f.pending, "task-1") })
	_, err = o.ReconcileRunningJobs(ctx)
	require.NoError(t, err)

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	assert.Equal(t, "task-2", job.TaskID)
}

func TestAutoBindFromRegistry(t *testing.T) {
	ctx := context.Background()
	o, st := newHarness(t, testOptions(config.StrategyPersistent), nil)
	p := testPayload()
	p.Character.Name = "Jane Doe"
	syncStory(t, o, p)
	require.NoError(t, st.SaveRegistry(ctx, &models.CharacterRegistryRecord{
		ID:          "r1",
		Name:        "Jane Doe",
		NameKey:     identity.NameKey("Jane Doe"),
		Aliases:     models.StringList{"Jane Doe"},
		ImageURL:    "https://img.test/jane.jpg",
		SourceURL:   "https://wiki.test/Jane_Doe",
		AuditScore:  0.91,
		AuditStatus: models.AuditStatusVerified,
	}))

	bound, err := o.AutoBindFromRegistry(ctx, "story-1", false)
	require.NoError(t, err)
	assert.True(t, bound)
	cs, err := st.GetCharacterState(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cs.Status)
	assert.Equal(t, models.CharacterSourceRegistryReuse, cs.Source)
	assert.Equal(t, models.AuditStatusReused, cs.AuditStatus)
	assert.Equal(t, "https://img.test/jane.jpg", cs.ImageURL)

	completeCharacter(t, st, "story-1", "https://cdn.test/other.png")
	bound, err = o.AutoBindFromRegistry(ctx, "story-1", false)
	require.NoError(t, err)
	assert.False(t, bound, "a different live image is not replaced")

	bound, err = o.AutoBindFromRegistry(ctx, "story-1", true)
	require.NoError(t, err)
	assert.True(t, bound)

	recs, err := st.ListRegistry(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].LastUsedAt)
}

func TestVerifiedAuditBindsCharacter(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	auditor := &fakeAuditor{res: &identity.AuditResult{
		Status:            models.AuditStatusVerified,
		Score:             0.88,
		SelectedImageURL:  "https://img.test/jane.jpg",
		SelectedSourceURL: "https://wiki.test/Jane_Doe",
		SelectedSource:    identity.SourceEncyclopedia,
	}}
	opts := testOptions(config.StrategyPersistent)
	opts.Character.AuditEnabled = true
	o, st := newHarness(t, opts, fp, func(d *Deps) { d.Auditor = auditor })
	p := testPayload()
	p.Character.Name = "Jane Doe"
	syncStory(t, o, p)

	_, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, 1, auditor.calls)
	calls := fp.calls()
	require.Len(t, calls, 1, "only the scene image is generated")
	assert.Contains(t, calls[0].input["images"], "https://img.test/jane.jpg")

	cs, err := st.GetCharacterState(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, models.CharacterSourceRegistryReuse, cs.Source)
	assert.Equal(t, models.AuditStatusVerified, cs.AuditStatus)
	assert.Equal(t, "Jane Doe", cs.TargetName)

	recs, err := st.ListRegistry(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://img.test/jane.jpg", recs[0].ImageURL)

	events, err := o.AuditEvents(ctx, "story-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditStatusVerified, events[0].Status)
}

func TestAuditNeedsReviewDoesNotRegister(t *testing.T) {
	ctx := context.Background()
	auditor := &fakeAuditor{res: &identity.AuditResult{Status: models.AuditStatusNeedsReview, Score: 0.5}}
	o, st := newHarness(t, testOptions(config.StrategyPersistent), nil, func(d *Deps) { d.Auditor = auditor })
	syncStory(t, o, testPayload())

	_, err := o.RunIdentityAudit(ctx, "story-1", "", 0, nil)
	assert.ErrorIs(t, err, apperr.ErrIdentityAudit, "no name given or inferable")

	res, err := o.RunIdentityAudit(ctx, "story-1", "Marcus Reed", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusNeedsReview, res.Status)
	assert.Equal(t, 0.72, res.MinScore)

	recs, err := st.ListRegistry(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	cs, err := st.GetCharacterState(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusNeedsReview, cs.AuditStatus)
	assert.Equal(t, models.StatusPending, cs.Status)
}

func TestQueueStrategyRunsJobInWorker(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	q := &fakeEnqueuer{}
	o, st := newHarness(t, testOptions(config.StrategyQueue), fp, func(d *Deps) { d.Enqueuer = q })
	syncStory(t, o, testPayload())
	completeCharacter(t, st, "story-1", "https://cdn.test/char.png")

	job, err := o.StartSceneJob(ctx, "s1", models.StageImage, false)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, q.ids)
	assert.Equal(t, models.StatusRunning, mustScene(t, st, "s1").ImageStatus)
	assert.Empty(t, fp.calls(), "nothing is submitted until the worker runs")

	require.NoError(t, o.RunJob(ctx, job.ID))
	sc := mustScene(t, st, "s1")
	assert.Equal(t, models.StatusCompleted, sc.ImageStatus)
	assert.Equal(t, "https://cdn.test/task-1.png", sc.ImageURL)

	require.NoError(t, o.RunJob(ctx, job.ID))
	assert.Len(t, fp.calls(), 1)
}

func TestQueueStrategyNeedsEnqueuer(t *testing.T) {
	o, _ := newHarness(t, testOptions(config.StrategyQueue), newFakeProvider())
	syncStory(t, o, testPayload())

	_, err := o.StartSceneJob(context.Background(), "s1", models.StageImage, false)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestStartSceneJobValidation(t *testing.T) {
	ctx := context.Background()
	o, _ := newHarness(t, testOptions(config.StrategyPersistent), nil)
	syncStory(t, o, testPayload())

	_, err := o.StartSceneJob(ctx, "s1", "audio", true)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = o.StartSceneJob(ctx, "missing", models.StageImage, true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = o.StartSceneJob(ctx, "s1", models.StageVideo, true)
	assert.ErrorIs(t, err, apperr.ErrValidation, "video needs an image")
}
