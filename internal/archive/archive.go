// Package archive packs a bot's instance directory into a zstd-compressed
// tarball and stores it on local disk or in an S3 bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fleetctl/internal/storage"
)

var (
	// ErrSourceMissing is returned when the bot's instance directory does not exist.
	ErrSourceMissing = errors.New("instance directory not found")
	// ErrNoBucket is returned for a remote archive with no bucket configured or requested.
	ErrNoBucket = errors.New("no s3 bucket")
	// ErrNoUploader is returned for a remote archive when S3 is not configured.
	ErrNoUploader = errors.New("s3 uploads not configured")
)

type Target string

const (
	TargetLocal Target = "local"
	TargetS3    Target = "s3"
)

// Request describes one archive of bots_dir/instances/<Container>.
type Request struct {
	SagaID    string
	BotID     string
	Container string
	Target    Target
	Bucket    string // overrides the configured default bucket
}

type Result struct {
	Location  string `json:"location"`
	SizeBytes int64  `json:"size_bytes"`
	Files     int    `json:"files"`
}

// Recorder persists archive attempts. *storage.Store satisfies it.
type Recorder interface {
	RecordArchive(a storage.Archive) error
}

type Config struct {
	BotsDir       string
	LocalDir      string
	DefaultBucket string
}

// Service archives bot instance data. The uploader may be nil, in which
// case only local archives succeed.
type Service struct {
	cfg      Config
	uploader Uploader
	index    Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(cfg Config, uploader Uploader, index Recorder) *Service {
	if cfg.BotsDir == "" {
		cfg.BotsDir = "bots"
	}
	if cfg.LocalDir == "" {
		cfg.LocalDir = filepath.Join(cfg.BotsDir, "archived")
	}
	return &Service{
		cfg:      cfg,
		uploader: uploader,
		index:    index,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// SourceDir is the instance directory archived for container.
func (s *Service) SourceDir(container string) string {
	return filepath.Join(s.cfg.BotsDir, "instances", container)
}

// Archive packs the container's instance directory and stores it at the
// requested target. Every attempt, failed or not, is written to the index.
func (s *Service) Archive(ctx context.Context, req Request) (Result, error) {
	started := s.now()
	res, err := s.archive(ctx, req, started)

	rec := storage.Archive{
		ID:        uuid.NewString(),
		SagaID:    req.SagaID,
		BotID:     req.BotID,
		Target:    string(req.Target),
		Location:  res.Location,
		SizeBytes: res.SizeBytes,
		Success:   err == nil,
		CreatedAt: started,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if s.index != nil {
		if ierr := s.index.RecordArchive(rec); ierr != nil {
			s.logger.Warn("recording archive failed", "bot_id", req.BotID, "error", ierr)
		}
	}
	return res, err
}

func (s *Service) archive(ctx context.Context, req Request, at time.Time) (Result, error) {
	src := s.SourceDir(req.Container)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrSourceMissing, src)
	}

	m := Manifest{
		BotID:     req.BotID,
		Container: req.Container,
		SagaID:    req.SagaID,
		Target:    string(req.Target),
		CreatedAt: at.UTC(),
	}
	name := fmt.Sprintf("%s-%s.tar.zst", req.Container, at.UTC().Format("20060102T150405Z"))

	switch req.Target {
	case TargetLocal, "":
		return s.archiveLocal(src, name, m)
	case TargetS3:
		bucket := req.Bucket
		if bucket == "" {
			bucket = s.cfg.DefaultBucket
		}
		if bucket == "" {
			return Result{}, ErrNoBucket
		}
		if s.uploader == nil {
			return Result{}, ErrNoUploader
		}
		return s.archiveS3(ctx, src, bucket, req.Container+"/"+name, m)
	default:
		return Result{}, fmt.Errorf("unknown archive target %q", req.Target)
	}
}

func (s *Service) archiveLocal(src, name string, m Manifest) (Result, error) {
	if err := os.MkdirAll(s.cfg.LocalDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating archive directory: %w", err)
	}
	dst := filepath.Join(s.cfg.LocalDir, name)

	f, err := os.Create(dst)
	if err != nil {
		return Result{}, fmt.Errorf("creating archive file: %w", err)
	}
	files, err := WriteTarZst(f, src, m)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return Result{}, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return Result{}, fmt.Errorf("stat archive: %w", err)
	}
	s.logger.Info("archived bot locally", "container", m.Container, "path", dst, "files", files)
	return Result{Location: dst, SizeBytes: info.Size(), Files: files}, nil
}
