package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage and mode values shared by scenes and jobs.
const (
	StageImage = "image"
	StageVideo = "video"

	ModeDryRun = "dry_run"
	ModeLive   = "live"

	// Job rows only ever hold running, completed or failed.
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// SimulatedURLPrefix marks placeholder artifacts produced by dry runs.
const SimulatedURLPrefix = "https://dry-run.local/"

func IsSimulatedURL(u string) bool {
	return strings.HasPrefix(strings.TrimSpace(u), SimulatedURLPrefix)
}

func ValidStage(stage string) bool {
	return stage == StageImage || stage == StageVideo
}

// Job is one generation attempt. Retries create new rows; rows are never
// rewritten once terminal.
type Job struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	StoryID     string     `gorm:"index;type:varchar(64)" json:"story_id"`
	SceneID     *string    `gorm:"index;type:varchar(64)" json:"scene_id"`
	Stage       string     `gorm:"type:varchar(16)" json:"stage"`
	Mode        string     `gorm:"type:varchar(16)" json:"mode"`
	Status      string     `gorm:"index;type:varchar(16)" json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	TaskID      string     `gorm:"type:varchar(128)" json:"task_id"`
	ResultURL   string     `gorm:"type:text" json:"result_url"`
	Error       string     `gorm:"type:text" json:"error"`
}

func (Job) TableName() string {
	return "job"
}

// IsCharacterJob reports whether the job generates the story character
// rather than a scene artifact.
func (j *Job) IsCharacterJob() bool {
	return j.SceneID == nil || *j.SceneID == ""
}

func (j *Job) SceneKey() string {
	if j.SceneID == nil {
		return ""
	}
	return *j.SceneID
}

func (j *Job) DryRun() bool {
	return j.Mode == ModeDryRun
}

// StringList is an ordered list stored as a JSON text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported StringList value %T", value)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, (*[]string)(l))
}

// JSONMap is a free-form JSON object column used for audit details.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap value %T", value)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, (*map[string]interface{})(m))
}
