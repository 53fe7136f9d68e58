package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
)

var (
	ErrStageUpload = errors.New("failed to upload file to GCS")
	ErrStageWalk   = errors.New("failed to walk local directory")
)

// Stager uploads staged export files into a GCS bucket for bulk loading.
type Stager struct {
	config *Config
	client *storage.Client
	logger *slog.Logger
}

func NewStager(config *Config, client *storage.Client, logger *slog.Logger) *Stager {
	return &Stager{config: config, client: client, logger: logger}
}

// ensureBucket creates the staging bucket when it does not exist yet.
func (s *Stager) ensureBucket(ctx context.Context) error {
	bucket := s.client.Bucket(s.config.GCS.Bucket)
	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to check bucket %s: %w", s.config.GCS.Bucket, err)
	}

	s.logger.Info(fmt.Sprintf("🪣 Creating bucket %s in %s", s.config.GCS.Bucket, s.config.GCS.Location))
	if s.config.DryRun {
		return nil
	}
	attrs := &storage.BucketAttrs{Location: s.config.GCS.Location}
	if err := bucket.Create(ctx, s.config.BigQuery.Project, attrs); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.config.GCS.Bucket, err)
	}
	return nil
}

// payloadFiles walks a local directory and returns the relative paths of
// every file carrying the given extension, sorted for deterministic order.
func payloadFiles(root, ext string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext != "" && !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStageWalk, root, err)
	}

	sort.Strings(files)
	return files, nil
}

// objectNameFor maps a relative local path onto the staging prefix.
func (s *Stager) objectNameFor(rel string) string {
	name := filepath.ToSlash(rel)
	prefix := strings.Trim(s.config.GCS.Prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Upload mirrors the payload files into the staging bucket and returns their
// gs:// URIs in upload order. An object whose size already matches the local
// file is skipped but its URI is still returned: the load step wants the full
// partition, not just this run's delta.
func (s *Stager) Upload(ctx context.Context) ([]string, TransferOutcome, error) {
	var outcome TransferOutcome

	if err := s.ensureBucket(ctx); err != nil {
		return nil, outcome, err
	}

	files, err := payloadFiles(s.config.LocalDir, s.config.Extract.FileExt)
	if err != nil {
		return nil, outcome, err
	}
	if len(files) == 0 {
		s.logger.Warn(fmt.Sprintf("⚠️  No %s files found under %s", s.config.Extract.FileExt, s.config.LocalDir))
		return nil, outcome, nil
	}

	bucket := s.client.Bucket(s.config.GCS.Bucket)
	uris := make([]string, 0, len(files))
	total := len(files)

	for idx, rel := range files {
		select {
		case <-ctx.Done():
			return uris, outcome, ctx.Err()
		default:
		}

		name := s.objectNameFor(rel)
		uri := fmt.Sprintf("gs://%s/%s", s.config.GCS.Bucket, name)
		localPath := filepath.Join(s.config.LocalDir, rel)

		fi, err := os.Stat(localPath)
		if err != nil {
			outcome.Failed++
			s.logger.Error(fmt.Sprintf("❌ [%d/%d] Failed to stat %s: %v", idx+1, total, localPath, err))
			continue
		}

		if attrs, err := bucket.Object(name).Attrs(ctx); err == nil && attrs.Size == fi.Size() {
			outcome.Skipped++
			uris = append(uris, uri)
			s.logger.Info(fmt.Sprintf("[%d/%d] SKIP %s (%s)", idx+1, total, uri, humanSize(fi.Size())))
			continue
		}

		s.logger.Info(fmt.Sprintf("[%d/%d] PUT  %s -> %s (%s)", idx+1, total, localPath, uri, humanSize(fi.Size())))
		if s.config.DryRun {
			outcome.Downloaded++
			uris = append(uris, uri)
			continue
		}

		if err := s.uploadFile(ctx, bucket, name, localPath); err != nil {
			outcome.Failed++
			s.logger.Error(fmt.Sprintf("❌ [%d/%d] %v", idx+1, total, err))
			continue
		}
		outcome.Downloaded++
		uris = append(uris, uri)
	}

	return uris, outcome, nil
}

func (s *Stager) uploadFile(ctx context.Context, bucket *storage.BucketHandle, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStageUpload, localPath, err)
	}
	defer f.Close()

	w := bucket.Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: %s: %v", ErrStageUpload, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStageUpload, name, err)
	}
	return nil
}
