package models

import "time"

const (
	CharacterSourcePending       = "pending"
	CharacterSourceGenerated     = "generated"
	CharacterSourceRegistryReuse = "registry_reuse"

	AuditStatusVerified    = "verified"
	AuditStatusNeedsReview = "needs_review"
	AuditStatusFailed      = "failed"
	AuditStatusReused      = "reused"
)

// CharacterState is the per-story character model. It is overwritten in
// place and never deleted.
type CharacterState struct {
	StoryID        string    `gorm:"primaryKey;type:varchar(64)" json:"story_id"`
	Status         string    `gorm:"type:varchar(16)" json:"status"`
	TaskID         string    `gorm:"type:varchar(128)" json:"task_id"`
	ImageURL       string    `gorm:"type:text" json:"image_url"`
	LastError      string    `gorm:"type:text" json:"last_error"`
	Source         string    `gorm:"type:varchar(32)" json:"source"`
	TargetName     string    `json:"target_name"`
	AuditStatus    string    `gorm:"type:varchar(32)" json:"audit_status"`
	AuditScore     float64   `json:"audit_score"`
	AuditSourceURL string    `gorm:"type:text" json:"audit_source_url"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (CharacterState) TableName() string {
	return "character_state"
}

func NewCharacterState(storyID string) *CharacterState {
	return &CharacterState{
		StoryID: storyID,
		Status:  StatusPending,
		Source:  CharacterSourcePending,
	}
}

func (c *CharacterState) HasLiveImage() bool {
	return c.ImageURL != "" && !IsSimulatedURL(c.ImageURL)
}

func (c *CharacterState) MarkRunning() error {
	if c.Status != StatusPending && c.Status != StatusFailed && c.Status != "" {
		return ErrStaleTransition
	}
	c.Status = StatusRunning
	c.TaskID = ""
	c.ImageURL = ""
	c.LastError = ""
	c.Source = CharacterSourcePending
	return nil
}

// Restore undoes a claim that never reached the provider.
func (c *CharacterState) Restore(prev *CharacterState) error {
	if c.Status != StatusRunning || c.TaskID != "" {
		return ErrStaleTransition
	}
	c.Status = prev.Status
	c.TaskID = prev.TaskID
	c.ImageURL = prev.ImageURL
	c.LastError = prev.LastError
	c.Source = prev.Source
	return nil
}

func (c *CharacterState) AttachTask(taskID string) error {
	if c.Status != StatusRunning {
		return ErrStaleTransition
	}
	c.TaskID = taskID
	return nil
}

func (c *CharacterState) owns(taskID string) bool {
	return c.Status == StatusRunning && (c.TaskID == "" || taskID == "" || c.TaskID == taskID)
}

func (c *CharacterState) MarkCompleted(taskID, url string) error {
	if !c.owns(taskID) {
		return ErrStaleTransition
	}
	c.Status = StatusCompleted
	if taskID != "" {
		c.TaskID = taskID
	}
	c.ImageURL = url
	c.Source = CharacterSourceGenerated
	c.LastError = ""
	return nil
}

func (c *CharacterState) MarkFailed(taskID, msg string) error {
	if !c.owns(taskID) {
		return ErrStaleTransition
	}
	c.Status = StatusFailed
	if taskID != "" {
		c.TaskID = taskID
	}
	c.LastError = msg
	return nil
}

// BindRegistry points the character at a registry image without a provider
// call. Callers decide whether a running generation may be overridden.
func (c *CharacterState) BindRegistry(rec *CharacterRegistryRecord, targetName string) {
	c.Status = StatusCompleted
	c.TaskID = ""
	c.ImageURL = rec.ImageURL
	c.LastError = ""
	c.Source = CharacterSourceRegistryReuse
	c.TargetName = targetName
	c.AuditStatus = AuditStatusReused
	c.AuditScore = rec.AuditScore
	c.AuditSourceURL = rec.SourceURL
}

func (c *CharacterState) Reset() {
	c.Status = StatusPending
	c.TaskID = ""
	c.ImageURL = ""
	c.LastError = ""
	c.Source = CharacterSourcePending
}

// CharacterRegistryRecord caches a verified reference image per character
// name across stories and runs.
type CharacterRegistryRecord struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string     `json:"name"`
	NameKey     string     `gorm:"uniqueIndex;type:varchar(191)" json:"name_key"`
	Aliases     StringList `gorm:"type:text" json:"aliases"`
	ImageURL    string     `gorm:"type:text" json:"image_url"`
	SourceURL   string     `gorm:"type:text" json:"source_url"`
	SourceLabel string     `json:"source_label"`
	AuditScore  float64    `json:"audit_score"`
	AuditStatus string     `gorm:"type:varchar(32)" json:"audit_status"`
	AuditLog    string     `gorm:"type:text" json:"audit_log"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

func (CharacterRegistryRecord) TableName() string {
	return "character_registry"
}

// AuditEvent is an immutable trace of one identity audit.
type AuditEvent struct {
	ID                string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RequestedAt       time.Time `json:"requested_at"`
	StoryID           string    `gorm:"index;type:varchar(64)" json:"story_id"`
	TargetName        string    `json:"target_name"`
	Status            string    `gorm:"type:varchar(32)" json:"status"`
	Score             float64   `json:"score"`
	SelectedImageURL  string    `gorm:"type:text" json:"selected_image_url"`
	SelectedSourceURL string    `gorm:"type:text" json:"selected_source_url"`
	Details           JSONMap   `gorm:"type:text" json:"details"`
}

func (AuditEvent) TableName() string {
	return "audit_event"
}
