package models

import (
	"strings"
	"time"
)

type Story struct {
	ID                   string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title                string     `json:"title"`
	ScriptText           string     `gorm:"type:text" json:"script_text"`
	StyleReferenceImages StringList `gorm:"type:text" json:"style_reference_images"`
	CharacterName        string     `json:"character_name"`
	CharacterPrompt      string     `gorm:"type:text" json:"character_prompt"`
	ConsistencyNotes     string     `gorm:"type:text" json:"consistency_notes"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (Story) TableName() string {
	return "story"
}

// Texts returns the story text fragments used for character name inference,
// title first.
func (s *Story) Texts(scenes []Scene) []string {
	out := []string{s.Title, s.ScriptText}
	for _, sc := range scenes {
		out = append(out, sc.Narration, sc.ImagePrompt)
	}
	res := out[:0]
	for _, t := range out {
		if strings.TrimSpace(t) != "" {
			res = append(res, t)
		}
	}
	return res
}
