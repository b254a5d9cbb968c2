package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"SceneForge-server/apperr"
)

// OpenDB connects to mysql (shared *sql.DB handed to gorm) or to a
// single-connection sqlite file, then migrates the schema.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "mysql":
		raw, openErr := sql.Open("mysql", dsn)
		if openErr != nil {
			return nil, fmt.Errorf("open mysql: %w", openErr)
		}
		raw.SetMaxOpenConns(25)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(time.Hour)
		if err := raw.Ping(); err != nil {
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		db, err = gorm.Open(mysql.New(mysql.Config{Conn: raw}), cfg)
	case "sqlite":
		if dsn != ":memory:" && !isURI(dsn) {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create db dir: %w", err)
				}
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err == nil {
			raw, rawErr := db.DB()
			if rawErr != nil {
				return nil, rawErr
			}
			// sqlite serialises writers; one connection keeps transactions simple.
			raw.SetMaxOpenConns(1)
		}
	default:
		return nil, apperr.Configuration("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("gorm open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func isURI(dsn string) bool {
	return len(dsn) > 5 && dsn[:5] == "file:"
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Story{}, &Scene{}, &CharacterState{}, &CharacterRegistryRecord{}, &AuditEvent{}, &Job{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Store is the single source of truth for stories, scenes, character state,
// the registry, audit events and jobs. Every mutation touches one row.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(format, args...)
	}
	return err
}

// forUpdate locks the row on engines that support it.
func (s *Store) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// Stories

func (s *Store) SaveStory(ctx context.Context, story *Story) error {
	return s.db.WithContext(ctx).Save(story).Error
}

func (s *Store) GetStory(ctx context.Context, id string) (*Story, error) {
	var story Story
	if err := s.db.WithContext(ctx).First(&story, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "story %s not found", id)
	}
	return &story, nil
}

// Scenes

func (s *Store) CreateScene(ctx context.Context, scene *Scene) error {
	return s.db.WithContext(ctx).Create(scene).Error
}

func (s *Store) GetScene(ctx context.Context, id string) (*Scene, error) {
	var scene Scene
	if err := s.db.WithContext(ctx).First(&scene, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "scene %s not found", id)
	}
	return &scene, nil
}

func (s *Store) ListScenes(ctx context.Context, storyID string) ([]Scene, error) {
	var scenes []Scene
	err := s.db.WithContext(ctx).Where("story_id = ?", storyID).Order("position ASC").Find(&scenes).Error
	return scenes, err
}

// UpdateScene runs a read-modify-write on one scene inside a transaction.
// fn must not call back into the Store.
func (s *Store) UpdateScene(ctx context.Context, id string, fn func(*Scene) error) (*Scene, error) {
	var scene Scene
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&scene, "id = ?", id).Error; err != nil {
			return notFound(err, "scene %s not found", id)
		}
		if err := fn(&scene); err != nil {
			return err
		}
		scene.UpdatedAt = time.Now()
		return tx.Save(&scene).Error
	})
	if err != nil {
		return nil, err
	}
	return &scene, nil
}

// Character state

// GetCharacterState returns the stored state or a fresh pending one.
func (s *Store) GetCharacterState(ctx context.Context, storyID string) (*CharacterState, error) {
	var cs CharacterState
	err := s.db.WithContext(ctx).First(&cs, "story_id = ?", storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewCharacterState(storyID), nil
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// UpdateCharacterState is the single-key upsert for the story's character.
func (s *Store) UpdateCharacterState(ctx context.Context, storyID string, fn func(*CharacterState) error) (*CharacterState, error) {
	var cs CharacterState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.forUpdate(tx).First(&cs, "story_id = ?", storyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cs = *NewCharacterState(storyID)
		} else if err != nil {
			return err
		}
		if err := fn(&cs); err != nil {
			return err
		}
		cs.UpdatedAt = time.Now()
		return tx.Save(&cs).Error
	})
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// Jobs

func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job %s not found", id)
	}
	return &job, nil
}

// SetJobTask records the provider task id of a running job.
func (s *Store) SetJobTask(ctx context.Context, id, taskID string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusRunning).
		Update("task_id", taskID).Error
}

// DiscardJob deletes a running job that never got a provider task.
func (s *Store) DiscardJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND status = ? AND task_id = ?", id, JobStatusRunning, "").
		Delete(&Job{}).Error
}

// FinishJob moves a running job to a terminal status. It reports false when
// the job was already terminal, which makes reconciliation idempotent.
func (s *Store) FinishJob(ctx context.Context, id, status, taskID, resultURL, errMsg string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": now,
		"result_url":  resultURL,
		"error":       errMsg,
	}
	if taskID != "" {
		updates["task_id"] = taskID
	}
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func jobUnitQuery(tx *gorm.DB, storyID, sceneID, stage string) *gorm.DB {
	q := tx.Where("story_id = ? AND stage = ? AND status = ?", storyID, stage, JobStatusRunning)
	if sceneID == "" {
		return q.Where("scene_id IS NULL")
	}
	return q.Where("scene_id = ?", sceneID)
}

// FindRunningJob returns the newest running job for a unit of work, or nil.
func (s *Store) FindRunningJob(ctx context.Context, storyID, sceneID, stage string) (*Job, error) {
	var jobs []Job
	err := jobUnitQuery(s.db.WithContext(ctx), storyID, sceneID, stage).
		Order("requested_at DESC").Limit(1).Find(&jobs).Error
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

func (s *Store) ListRunningJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).Where("status = ?", JobStatusRunning).Order("requested_at ASC").Find(&jobs).Error
	return jobs, err
}

// ListJobs returns a story's jobs newest first.
func (s *Store) ListJobs(ctx context.Context, storyID string, limit int) ([]Job, error) {
	var jobs []Job
	q := s.db.WithContext(ctx).Where("story_id = ?", storyID).Order("requested_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// Character registry

func (s *Store) FindRegistryByKey(ctx context.Context, key string) (*CharacterRegistryRecord, error) {
	var recs []CharacterRegistryRecord
	if err := s.db.WithContext(ctx).Where("name_key = ?", key).Limit(1).Find(&recs).Error; err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *Store) ListRegistry(ctx context.Context) ([]CharacterRegistryRecord, error) {
	var recs []CharacterRegistryRecord
	err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&recs).Error
	return recs, err
}

// SaveRegistry upserts by name_key. created_at and id of an existing row are
// kept.
func (s *Store) SaveRegistry(ctx context.Context, rec *CharacterRegistryRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "aliases", "image_url", "source_url", "source_label",
			"audit_score", "audit_status", "audit_log", "updated_at", "last_used_at",
		}),
	}).Create(rec).Error
}

func (s *Store) TouchRegistry(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&CharacterRegistryRecord{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// Audit events

func (s *Store) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	if ev.RequestedAt.IsZero() {
		ev.RequestedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *Store) ListAuditEvents(ctx context.Context, storyID string) ([]AuditEvent, error) {
	var events []AuditEvent
	err := s.db.WithContext(ctx).Where("story_id = ?", storyID).Order("requested_at DESC").Find(&events).Error
	return events, err
}
