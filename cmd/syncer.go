package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// RemoteObject is one listed export object.
type RemoteObject struct {
	Key  string
	Size int64
}

// TransferOutcome aggregates per-object results across a transfer batch.
// Counters never decrease; one object's failure never aborts the batch.
type TransferOutcome struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// objectStore is the slice of the S3 API the syncer consumes. *s3.S3
// satisfies it.
type objectStore interface {
	ListObjectsV2(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	HeadObject(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
}

// objectDownloader fetches one object into a local file. *s3manager.Downloader
// satisfies it.
type objectDownloader interface {
	Download(io.WriterAt, *s3.GetObjectInput, ...func(*s3manager.Downloader)) (int64, error)
}

// Syncer discovers export objects for a date range and mirrors them into the
// local output directory.
type Syncer struct {
	config     *Config
	store      objectStore
	downloader objectDownloader
	logger     *slog.Logger

	bucket     string
	basePrefix string
}

func NewSyncer(config *Config, store objectStore, downloader objectDownloader, bucket, basePrefix string, logger *slog.Logger) *Syncer {
	return &Syncer{
		config:     config,
		store:      store,
		downloader: downloader,
		logger:     logger,
		bucket:     bucket,
		basePrefix: normalizePrefix(basePrefix),
	}
}

// listObjects enumerates every object under a prefix, following the
// continuation token until the store reports no further pages. A prefix with
// no objects yields an empty slice, not an error.
func (s *Syncer) listObjects(prefix string) ([]RemoteObject, error) {
	var objects []RemoteObject
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		page, err := s.store.ListObjectsV2(input)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, RemoteObject{
				Key:  aws.StringValue(obj.Key),
				Size: aws.Int64Value(obj.Size),
			})
		}
		if !aws.BoolValue(page.IsTruncated) {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	return objects, nil
}

// partitionComplete probes for the _SUCCESS marker under a partition prefix.
// Any probe failure (not found, access denied, transient) reads as "not
// complete": an unfinished export is an expected state, never a fault.
func (s *Syncer) partitionComplete(prefix string) bool {
	key := prefix + successMarker
	_, err := s.store.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Debug(fmt.Sprintf("HEAD s3://%s/%s failed: %v", s.bucket, key, err))
		return false
	}
	return true
}

// detectDayLayout probes whether objects live under basePrefix/YYYY/MM/DD/
// for the first day of the window.
func (s *Syncer) detectDayLayout(start time.Time) bool {
	page, err := s.store.ListObjectsV2(&s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(dayFolderPrefix(s.basePrefix, start)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Day-folder detection failed, will scan: %v", err))
		return false
	}
	return len(page.Contents) > 0
}

func (s *Syncer) hasPayloadExt(key string) bool {
	return s.config.Extract.FileExt == "" || strings.HasSuffix(key, s.config.Extract.FileExt)
}

// Collect walks the configured date range and gathers every eligible object,
// sorted by key for deterministic transfer order. An empty result means
// "nothing to do" and is a normal outcome.
func (s *Syncer) Collect(ctx context.Context) ([]RemoteObject, error) {
	start, end, err := s.config.DateWindow()
	if err != nil {
		return nil, err
	}

	layout := s.config.Extract.Layout
	if layout == LayoutAuto {
		if s.detectDayLayout(start) {
			s.logger.Info("📂 Detected day-folder layout, listing per day")
			layout = LayoutDay
		} else {
			s.logger.Info("🔍 No day folders found, scanning base prefix with date heuristic")
			layout = LayoutScan
		}
	}

	if layout == LayoutScan {
		return s.collectScan(ctx, start, end)
	}
	return s.collectPartitioned(ctx, layout, start, end)
}

// collectPartitioned lists one partition prefix per day. Only date=
// partitions carry a completeness marker; day folders are produced by
// writers that never emit one, so the gate applies to the date layout
// alone.
func (s *Syncer) collectPartitioned(ctx context.Context, layout string, start, end time.Time) ([]RemoteObject, error) {
	var collected []RemoteObject

	for _, day := range datesBetween(start, end) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var prefix string
		switch layout {
		case LayoutDay:
			prefix = dayFolderPrefix(s.basePrefix, day)
		default:
			prefix = datePartitionPrefix(s.basePrefix, day)
		}

		if layout == LayoutDate && s.config.Extract.RequireSuccess && !s.partitionComplete(prefix) {
			s.logger.Info(fmt.Sprintf("⏭️  %s — no %s marker, skipping", prefix, successMarker))
			continue
		}

		objects, err := s.listObjects(prefix)
		if err != nil {
			return nil, err
		}

		var eligible []RemoteObject
		for _, obj := range objects {
			if s.hasPayloadExt(obj.Key) {
				eligible = append(eligible, obj)
			}
		}
		if len(eligible) == 0 {
			s.logger.Warn(fmt.Sprintf("⚠️  %s — no %s files found", prefix, s.config.Extract.FileExt))
			continue
		}

		s.logger.Info(fmt.Sprintf("📅 %s — %d file(s)", prefix, len(eligible)))
		collected = append(collected, eligible...)
	}

	sortObjects(collected)
	return collected, nil
}

// collectScan lists the base prefix once and keeps keys whose embedded dates
// fall inside the window. There is no per-day partition prefix here, so the
// completeness gate does not apply.
func (s *Syncer) collectScan(ctx context.Context, start, end time.Time) ([]RemoteObject, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	objects, err := s.listObjects(s.basePrefix)
	if err != nil {
		return nil, err
	}

	var collected []RemoteObject
	for _, obj := range objects {
		if s.hasPayloadExt(obj.Key) && keyDateInRange(obj.Key, start, end) {
			collected = append(collected, obj)
		}
	}

	sortObjects(collected)
	return collected, nil
}

// sortObjects orders a collection lexicographically by key. Transfer is
// independent per object; the sort only makes runs reproducible and keeps
// same-partition objects adjacent in the logs.
func sortObjects(objects []RemoteObject) {
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
}

// localPathForKey maps a remote key's path segments onto the output root.
func localPathForKey(outDir, key string) string {
	return filepath.Join(outDir, filepath.FromSlash(key))
}

// Transfer mirrors the collected objects into the output directory. A local
// file whose size equals the remote size is skipped; size equality is the
// sole integrity check, trading strictness for cheap re-runs. Directory
// marker keys (trailing separator) carry no payload and count as neither
// downloaded nor skipped.
func (s *Syncer) Transfer(ctx context.Context, objects []RemoteObject) TransferOutcome {
	var outcome TransferOutcome
	total := len(objects)

	for idx, obj := range objects {
		select {
		case <-ctx.Done():
			return outcome
		default:
		}

		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}

		localPath := localPathForKey(s.config.Extract.OutDir, obj.Key)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			outcome.Failed++
			s.logger.Error(fmt.Sprintf("❌ [%d/%d] Failed to create directory for %s: %v", idx+1, total, obj.Key, err))
			continue
		}

		if fi, err := os.Stat(localPath); err == nil && fi.Size() == obj.Size {
			outcome.Skipped++
			s.logger.Info(fmt.Sprintf("[%d/%d] SKIP %s (%s)", idx+1, total, obj.Key, humanSize(obj.Size)))
			continue
		}

		s.logger.Info(fmt.Sprintf("[%d/%d] GET  %s -> %s (%s)", idx+1, total, obj.Key, localPath, humanSize(obj.Size)))
		if s.config.DryRun {
			outcome.Downloaded++
			continue
		}

		if err := s.downloadObject(obj.Key, localPath); err != nil {
			outcome.Failed++
			s.logger.Error(fmt.Sprintf("❌ [%d/%d] Failed to download %s: %v", idx+1, total, obj.Key, err))
			continue
		}
		outcome.Downloaded++
	}

	return outcome
}

// downloadObject fetches one object to its local path. A failed download
// removes the partial file so the size-equality skip rule stays sound on the
// next run.
func (s *Syncer) downloadObject(key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}

	_, err = s.downloader.Download(f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return err
	}
	return nil
}

// TotalSize sums the reported sizes of a collection.
func TotalSize(objects []RemoteObject) int64 {
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	return total
}

// humanSize renders a byte count like 12.34MB.
func humanSize(n int64) string {
	if n <= 0 {
		return "0B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(n)/math.Pow(1024, float64(i)), units[i])
}
