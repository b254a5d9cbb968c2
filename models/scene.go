package models

import (
	"errors"
	"time"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrStaleTransition is returned when a write does not match the current
// state of the row, typically a worker finishing after its stage was reset.
var ErrStaleTransition = errors.New("stale state transition")

type Scene struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"scene_id"`
	StoryID         string     `gorm:"index;type:varchar(64)" json:"story_id"`
	Position        int        `json:"position"`
	Narration       string     `gorm:"type:text" json:"narration"`
	ImagePrompt     string     `gorm:"type:text" json:"image_prompt"`
	MotionPrompt    string     `gorm:"type:text" json:"motion_prompt"`
	ReferenceImages StringList `gorm:"type:text" json:"reference_images"`
	ImageStatus     string     `gorm:"type:varchar(16)" json:"image_status"`
	ImageTaskID     string     `gorm:"type:varchar(128)" json:"image_task_id"`
	ImageURL        string     `gorm:"type:text" json:"image_url"`
	VideoStatus     string     `gorm:"type:varchar(16)" json:"video_status"`
	VideoTaskID     string     `gorm:"type:varchar(128)" json:"video_task_id"`
	VideoURL        string     `gorm:"type:text" json:"video_url"`
	LastError       string     `gorm:"type:text" json:"last_error"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Scene) TableName() string {
	return "scene"
}

// NewScene returns a scene with both stages pending.
func NewScene(storyID, id string, position int) *Scene {
	return &Scene{
		ID:          id,
		StoryID:     storyID,
		Position:    position,
		ImageStatus: StatusPending,
		VideoStatus: StatusPending,
	}
}

func (s *Scene) fields(stage string) (status, taskID, url *string) {
	if stage == StageVideo {
		return &s.VideoStatus, &s.VideoTaskID, &s.VideoURL
	}
	return &s.ImageStatus, &s.ImageTaskID, &s.ImageURL
}

func (s *Scene) StageStatus(stage string) string {
	st, _, _ := s.fields(stage)
	return *st
}

func (s *Scene) StageTaskID(stage string) string {
	_, id, _ := s.fields(stage)
	return *id
}

func (s *Scene) StageURL(stage string) string {
	_, _, u := s.fields(stage)
	return *u
}

// HasLiveImage reports whether the scene holds a real provider image.
func (s *Scene) HasLiveImage() bool {
	return s.ImageURL != "" && !IsSimulatedURL(s.ImageURL)
}

// MarkRunning moves a pending or failed stage to running for a fresh job.
func (s *Scene) MarkRunning(stage string) error {
	st, taskID, u := s.fields(stage)
	if *st != StatusPending && *st != StatusFailed && *st != "" {
		return ErrStaleTransition
	}
	*st = StatusRunning
	*taskID = ""
	*u = ""
	s.LastError = ""
	return nil
}

// RestoreStages puts back the stage fields held before a claim on stage
// that never reached the provider.
func (s *Scene) RestoreStages(stage string, prev *Scene) error {
	if s.StageStatus(stage) != StatusRunning || s.StageTaskID(stage) != "" {
		return ErrStaleTransition
	}
	s.ImageStatus, s.ImageTaskID, s.ImageURL = prev.ImageStatus, prev.ImageTaskID, prev.ImageURL
	s.VideoStatus, s.VideoTaskID, s.VideoURL = prev.VideoStatus, prev.VideoTaskID, prev.VideoURL
	s.LastError = prev.LastError
	return nil
}

// AttachTask records the provider task id of a running stage.
func (s *Scene) AttachTask(stage, taskID string) error {
	st, id, _ := s.fields(stage)
	if *st != StatusRunning {
		return ErrStaleTransition
	}
	*id = taskID
	return nil
}

// owns reports whether a job with taskID may still write to the stage.
func (s *Scene) owns(stage, taskID string) bool {
	st, id, _ := s.fields(stage)
	if *st != StatusRunning {
		return false
	}
	return *id == "" || taskID == "" || *id == taskID
}

// MarkCompleted lands a finished artifact. A new image always sends the
// video stage back to pending.
func (s *Scene) MarkCompleted(stage, taskID, url string) error {
	if !s.owns(stage, taskID) {
		return ErrStaleTransition
	}
	st, id, u := s.fields(stage)
	*st = StatusCompleted
	if taskID != "" {
		*id = taskID
	}
	*u = url
	s.LastError = ""
	if stage == StageImage {
		s.resetVideo()
	}
	return nil
}

func (s *Scene) MarkFailed(stage, taskID, msg string) error {
	if !s.owns(stage, taskID) {
		return ErrStaleTransition
	}
	st, id, _ := s.fields(stage)
	*st = StatusFailed
	if taskID != "" {
		*id = taskID
	}
	s.LastError = msg
	return nil
}

func (s *Scene) resetImage() {
	s.ImageStatus = StatusPending
	s.ImageTaskID = ""
	s.ImageURL = ""
}

func (s *Scene) resetVideo() {
	s.VideoStatus = StatusPending
	s.VideoTaskID = ""
	s.VideoURL = ""
}

// ResetStage invalidates a stage. Resetting the image also resets the video.
func (s *Scene) ResetStage(stage string) {
	if stage == StageImage {
		s.resetImage()
	}
	s.resetVideo()
}

// ApplyPromptEdit stores edited prompts and invalidates the stages that
// depended on them. It reports which stages were reset.
func (s *Scene) ApplyPromptEdit(imagePrompt, motionPrompt *string) (imageReset, videoReset bool) {
	if imagePrompt != nil && *imagePrompt != s.ImagePrompt {
		s.ImagePrompt = *imagePrompt
		s.ResetStage(StageImage)
		imageReset, videoReset = true, true
	}
	if motionPrompt != nil && *motionPrompt != s.MotionPrompt {
		s.MotionPrompt = *motionPrompt
		if !videoReset {
			s.ResetStage(StageVideo)
			videoReset = true
		}
	}
	return imageReset, videoReset
}
