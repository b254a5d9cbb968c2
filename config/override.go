package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Override is a partial config document. Only the fields present in the
// document replace the base values.
type Override struct {
	Execution *struct {
		Strategy *string `yaml:"strategy"`
	} `yaml:"execution"`
	Story *struct {
		ID          *string `yaml:"id"`
		PayloadPath *string `yaml:"payload_path"`
	} `yaml:"story"`
	Provider *struct {
		ImageModel *string `yaml:"image_model"`
		VideoModel *string `yaml:"video_model"`
	} `yaml:"provider"`
	Generation *struct {
		PollIntervalSeconds  *int    `yaml:"poll_interval_seconds"`
		PollTimeoutSeconds   *int    `yaml:"poll_timeout_seconds"`
		ImageResolution      *string `yaml:"image_resolution"`
		VideoDurationSeconds *int    `yaml:"video_duration_seconds"`
		VideoResolution      *string `yaml:"video_resolution"`
		GenerateAudio        *bool   `yaml:"generate_audio"`
		BGM                  *bool   `yaml:"bgm"`
	} `yaml:"generation"`
	Character *struct {
		Name               *string  `yaml:"name"`
		RegistryReuse      *bool    `yaml:"registry_reuse"`
		AuditEnabled       *bool    `yaml:"audit_enabled"`
		MinConfidenceScore *float64 `yaml:"min_confidence_score"`
		AuditSources       []string `yaml:"audit_sources"`
	} `yaml:"character"`
}

func LoadOverride(path string) (*Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading override %s: %w", path, err)
	}
	o := &Override{}
	if err := yaml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("parsing override %s: %w", path, err)
	}
	return o, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Apply merges o into c field by field.
func (c *Config) Apply(o *Override) {
	if o == nil {
		return
	}
	if e := o.Execution; e != nil {
		setString(&c.Execution.Strategy, e.Strategy)
	}
	if s := o.Story; s != nil {
		setString(&c.Story.ID, s.ID)
		setString(&c.Story.PayloadPath, s.PayloadPath)
	}
	if p := o.Provider; p != nil {
		setString(&c.Provider.ImageModel, p.ImageModel)
		setString(&c.Provider.VideoModel, p.VideoModel)
	}
	if g := o.Generation; g != nil {
		setInt(&c.Generation.PollIntervalSeconds, g.PollIntervalSeconds)
		setInt(&c.Generation.PollTimeoutSeconds, g.PollTimeoutSeconds)
		setString(&c.Generation.ImageResolution, g.ImageResolution)
		setInt(&c.Generation.VideoDurationSeconds, g.VideoDurationSeconds)
		setString(&c.Generation.VideoResolution, g.VideoResolution)
		setBool(&c.Generation.GenerateAudio, g.GenerateAudio)
		setBool(&c.Generation.BGM, g.BGM)
	}
	if ch := o.Character; ch != nil {
		setString(&c.Character.Name, ch.Name)
		setBool(&c.Character.RegistryReuse, ch.RegistryReuse)
		setBool(&c.Character.AuditEnabled, ch.AuditEnabled)
		if ch.MinConfidenceScore != nil {
			c.Character.MinConfidenceScore = *ch.MinConfidenceScore
		}
		if len(ch.AuditSources) > 0 {
			c.Character.AuditSources = ch.AuditSources
		}
	}
}
