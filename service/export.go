package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
	"SceneForge-server/models"
)

// ObjectStore keeps exported documents and returns a URL to read them.
type ObjectStore interface {
	Put(ctx context.Context, objectName string, data []byte) (string, error)
}

type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func NewMinIOStore(cfg *config.Config) (*MinIOStore, error) {
	m := cfg.MinIO
	client, err := minio.New(m.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(m.AccessKey, m.SecretKey, ""),
		Secure: m.UseSSL,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, "minio client")
	}
	return &MinIOStore{client: client, bucket: m.Bucket, expiry: 72 * time.Hour}, nil
}

// Exports are the only objects written.
func contentTypeFor(name string) string {
	if filepath.Ext(name) == ".json" {
		return "application/json"
	}
	return "application/octet-stream"
}

// Put uploads data, creating the bucket on first use, and returns a
// presigned URL.
func (s *MinIOStore) Put(ctx context.Context, objectName string, data []byte) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	return signed.String(), nil
}

type ArtifactRef struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

type SceneArtifacts struct {
	SceneID   string      `json:"scene_id"`
	Narration string      `json:"narration"`
	Image     ArtifactRef `json:"image"`
	Video     ArtifactRef `json:"video"`
}

type CharacterArtifact struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	ImageURL         string `json:"image_url"`
	Source           string `json:"source"`
	ConsistencyNotes string `json:"consistency_notes"`
}

type CloudTransfer struct {
	Provider    string `json:"provider"`
	Status      string `json:"status"`
	Destination string `json:"destination,omitempty"`
}

// RunPayload is the exported result of a story run.
type RunPayload struct {
	StoryID        string            `json:"story_id"`
	Status         string            `json:"status"`
	ExportedAt     time.Time         `json:"exported_at"`
	CharacterModel CharacterArtifact `json:"character_model"`
	Scenes         []SceneArtifacts  `json:"scenes"`
	CloudTransfer  CloudTransfer     `json:"cloud_transfer"`
}

func BuildRunPayload(snap *Snapshot) *RunPayload {
	p := &RunPayload{
		StoryID:    snap.Story.ID,
		Status:     models.StatusCompleted,
		ExportedAt: time.Now().UTC(),
		CloudTransfer: CloudTransfer{
			Provider: "minio",
			Status:   models.StatusPending,
		},
	}
	if cs := snap.Character; cs != nil {
		p.CharacterModel = CharacterArtifact{
			TaskID:           cs.TaskID,
			Status:           cs.Status,
			ImageURL:         cs.ImageURL,
			Source:           cs.Source,
			ConsistencyNotes: snap.Story.ConsistencyNotes,
		}
	}
	for _, sc := range snap.Scenes {
		p.Scenes = append(p.Scenes, SceneArtifacts{
			SceneID:   sc.ID,
			Narration: sc.Narration,
			Image:     ArtifactRef{TaskID: sc.ImageTaskID, Status: sc.ImageStatus, URL: sc.ImageURL},
			Video:     ArtifactRef{TaskID: sc.VideoTaskID, Status: sc.VideoStatus, URL: sc.VideoURL},
		})
	}
	if len(p.NotLive()) > 0 {
		p.Status = "partial"
	}
	return p
}

// NotLive lists every artifact whose URL is missing or a dry-run
// placeholder.
func (p *RunPayload) NotLive() []string {
	var out []string
	check := func(label, u string) {
		if u == "" || models.IsSimulatedURL(u) {
			out = append(out, label)
		}
	}
	check("character", p.CharacterModel.ImageURL)
	for _, sc := range p.Scenes {
		check(sc.SceneID+"/image", sc.Image.URL)
		check(sc.SceneID+"/video", sc.Video.URL)
	}
	return out
}

// Exporter publishes a story's run payload.
type Exporter struct {
	orch    *Orchestrator
	objects ObjectStore
	logger  *slog.Logger
}

// NewExporter builds an exporter; objects may be nil when only dry-run
// exports are needed.
func NewExporter(orch *Orchestrator, objects ObjectStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{orch: orch, objects: objects, logger: logger}
}

// Export builds the payload and, unless dryRun, uploads it. Live export is
// refused while any artifact is missing or simulated.
func (e *Exporter) Export(ctx context.Context, storyID string, dryRun bool) (*RunPayload, error) {
	snap, err := e.orch.Snapshot(ctx, storyID)
	if err != nil {
		return nil, err
	}
	p := BuildRunPayload(snap)
	if dryRun {
		p.CloudTransfer.Status = "skipped"
		return p, nil
	}
	if bad := p.NotLive(); len(bad) > 0 {
		return nil, apperr.Validation("story %s is not ready for export: %s", storyID, strings.Join(bad, ", "))
	}
	if e.objects == nil {
		return nil, apperr.Configuration("no object store configured for export")
	}
	name := fmt.Sprintf("stories/%s/payload_%s.json", storyID, p.ExportedAt.Format("20060102T150405Z"))
	p.CloudTransfer.Status = models.StatusCompleted
	p.CloudTransfer.Destination = name
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	dest, err := e.objects.Put(ctx, name, data)
	if err != nil {
		p.CloudTransfer.Status = models.StatusFailed
		return p, err
	}
	p.CloudTransfer.Destination = dest
	e.logger.Info("story exported", "story_id", storyID, "object", name)
	return p, nil
}
