package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// fakeStore serves a fixed object listing with prefix filtering, optional
// pagination and HEAD probes against a marker set.
type fakeStore struct {
	objects  []RemoteObject
	markers  map[string]bool
	pageSize int
	listErr  error

	listCalls int
	headCalls []string
}

func (f *fakeStore) ListObjectsV2(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	prefix := aws.StringValue(input.Prefix)
	var matched []RemoteObject
	for _, obj := range f.objects {
		if len(obj.Key) >= len(prefix) && obj.Key[:len(prefix)] == prefix {
			matched = append(matched, obj)
		}
	}

	offset := 0
	if input.ContinuationToken != nil {
		offset, _ = strconv.Atoi(aws.StringValue(input.ContinuationToken))
	}

	limit := len(matched)
	if f.pageSize > 0 && f.pageSize < limit-offset {
		limit = offset + f.pageSize
	}
	if input.MaxKeys != nil && int(aws.Int64Value(input.MaxKeys)) < limit-offset {
		limit = offset + int(aws.Int64Value(input.MaxKeys))
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(limit < len(matched))}
	for _, obj := range matched[offset:limit] {
		out.Contents = append(out.Contents, &s3.Object{
			Key:  aws.String(obj.Key),
			Size: aws.Int64(obj.Size),
		})
	}
	if aws.BoolValue(out.IsTruncated) {
		out.NextContinuationToken = aws.String(strconv.Itoa(limit))
	}
	return out, nil
}

func (f *fakeStore) HeadObject(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	key := aws.StringValue(input.Key)
	f.headCalls = append(f.headCalls, key)
	if f.markers[key] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, errors.New("NotFound: Not Found")
}

// fakeDownloader writes obj.Size filler bytes, or fails for listed keys.
type fakeDownloader struct {
	store    *fakeStore
	failKeys map[string]bool
	calls    []string
}

func (f *fakeDownloader) Download(w io.WriterAt, input *s3.GetObjectInput, _ ...func(*s3manager.Downloader)) (int64, error) {
	key := aws.StringValue(input.Key)
	f.calls = append(f.calls, key)
	if f.failKeys[key] {
		return 0, errors.New("connection reset")
	}
	for _, obj := range f.store.objects {
		if obj.Key == key {
			data := bytes.Repeat([]byte{'x'}, int(obj.Size))
			if _, err := w.WriteAt(data, 0); err != nil {
				return 0, err
			}
			return obj.Size, nil
		}
	}
	return 0, errors.New("no such key")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testBase = "v1/account_id=123/type=decisions/"

func syncerConfig(t *testing.T, start, end string) *Config {
	t.Helper()
	return &Config{
		Extract: ExtractConfig{
			OutDir:         t.TempDir(),
			StartDate:      start,
			EndDate:        end,
			Layout:         LayoutDate,
			RequireSuccess: true,
			FileExt:        ".parquet",
		},
	}
}

func newTestSyncer(config *Config, store *fakeStore) (*Syncer, *fakeDownloader) {
	dl := &fakeDownloader{store: store, failKeys: map[string]bool{}}
	return NewSyncer(config, store, dl, "export-bucket", testBase, testLogger()), dl
}

func TestCollectCompletenessGating(t *testing.T) {
	// Oct 30 finished exporting, Oct 31 is still in flight.
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 100},
			{Key: testBase + "date=2024-10-30/part-0002.parquet", Size: 200},
			{Key: testBase + "date=2024-10-31/part-0001.parquet", Size: 300},
		},
		markers: map[string]bool{
			testBase + "date=2024-10-30/" + successMarker: true,
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-31")
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects from the complete day, got %d", len(objects))
	}
	for _, obj := range objects {
		if obj.Key == testBase+"date=2024-10-31/part-0001.parquet" {
			t.Fatal("incomplete partition must not contribute objects")
		}
	}

	outcome := syncer.Transfer(context.Background(), objects)
	if outcome.Downloaded != 2 || outcome.Skipped != 0 || outcome.Failed != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestCollectWithoutSuccessGate(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-31/part-0001.parquet", Size: 300},
		},
	}

	config := syncerConfig(t, "2024-10-31", "2024-10-31")
	config.Extract.RequireSuccess = false
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 {
		t.Fatalf("expected the unguarded partition to be listed, got %d objects", len(objects))
	}
	if len(store.headCalls) != 0 {
		t.Fatalf("no HEAD probes expected with the gate disabled, got %v", store.headCalls)
	}
}

func TestCollectDayLayoutSkipsSuccessGate(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "2024/10/30/part-0001.parquet", Size: 10},
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	config.Extract.Layout = LayoutDay
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 {
		t.Fatalf("expected the day-folder object despite the marker being absent, got %v", objects)
	}
	if len(store.headCalls) != 0 {
		t.Fatalf("day folders carry no marker, so no HEAD probes expected, got %v", store.headCalls)
	}
}

func TestCollectPagination(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 10},
			{Key: testBase + "date=2024-10-30/part-0002.parquet", Size: 20},
			{Key: testBase + "date=2024-10-30/part-0003.parquet", Size: 30},
		},
		markers:  map[string]bool{testBase + "date=2024-10-30/" + successMarker: true},
		pageSize: 1,
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 3 {
		t.Fatalf("pagination lost objects: got %d of 3", len(objects))
	}
}

func TestCollectFiltersExtension(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 10},
			{Key: testBase + "date=2024-10-30/" + successMarker, Size: 0},
			{Key: testBase + "date=2024-10-30/manifest.json", Size: 5},
		},
		markers: map[string]bool{testBase + "date=2024-10-30/" + successMarker: true},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 || objects[0].Key != testBase+"date=2024-10-30/part-0001.parquet" {
		t.Fatalf("expected only the parquet payload, got %v", objects)
	}
}

func TestCollectSortsAcrossDays(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-31/part-0001.parquet", Size: 1},
			{Key: testBase + "date=2024-10-30/part-0002.parquet", Size: 1},
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 1},
		},
		markers: map[string]bool{
			testBase + "date=2024-10-30/" + successMarker: true,
			testBase + "date=2024-10-31/" + successMarker: true,
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-31")
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sort.SliceIsSorted(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key }) {
		t.Fatalf("objects not sorted by key: %v", objects)
	}
}

func TestCollectScanLayout(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "part-2024-10-30-0001.parquet", Size: 10},
			{Key: testBase + "part-2024-10-31-0001.parquet", Size: 20},
			{Key: testBase + "part-2024-11-05-0001.parquet", Size: 30},
			{Key: testBase + "undated.parquet", Size: 40},
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-31")
	config.Extract.Layout = LayoutScan
	syncer, _ := newTestSyncer(config, store)

	objects, err := syncer.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 in-range objects, got %v", objects)
	}
}

func TestCollectAutoLayout(t *testing.T) {
	t.Run("DetectsDayFolders", func(t *testing.T) {
		store := &fakeStore{
			objects: []RemoteObject{
				{Key: testBase + "2024/10/30/part-0001.parquet", Size: 10},
			},
		}
		config := syncerConfig(t, "2024-10-30", "2024-10-30")
		config.Extract.Layout = LayoutAuto
		syncer, _ := newTestSyncer(config, store)

		objects, err := syncer.Collect(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(objects) != 1 {
			t.Fatalf("expected the day-folder object, got %v", objects)
		}
	})

	t.Run("FallsBackToScan", func(t *testing.T) {
		store := &fakeStore{
			objects: []RemoteObject{
				{Key: testBase + "part-2024-10-30-0001.parquet", Size: 10},
			},
		}
		config := syncerConfig(t, "2024-10-30", "2024-10-30")
		config.Extract.Layout = LayoutAuto
		syncer, _ := newTestSyncer(config, store)

		objects, err := syncer.Collect(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(objects) != 1 {
			t.Fatalf("expected the scanned object, got %v", objects)
		}
	})
}

func TestTransferSkipsMatchingSize(t *testing.T) {
	key1 := testBase + "date=2024-10-30/part-0001.parquet"
	key2 := testBase + "date=2024-10-30/part-0002.parquet"
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: key1, Size: 100},
			{Key: key2, Size: 200},
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, dl := newTestSyncer(config, store)

	// Pre-seed part-0001 with exactly the remote size.
	local := localPathForKey(config.Extract.OutDir, key1)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, bytes.Repeat([]byte{'x'}, 100), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome := syncer.Transfer(context.Background(), store.objects)
	if outcome.Downloaded != 1 || outcome.Skipped != 1 || outcome.Failed != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(dl.calls) != 1 || dl.calls[0] != key2 {
		t.Fatalf("expected exactly one download of %s, got %v", key2, dl.calls)
	}
}

func TestTransferRedownloadsChangedSize(t *testing.T) {
	key := testBase + "date=2024-10-30/part-0001.parquet"
	store := &fakeStore{objects: []RemoteObject{{Key: key, Size: 100}}}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, _ := newTestSyncer(config, store)

	local := localPathForKey(config.Extract.OutDir, key)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	// Stale partial file from an interrupted run.
	if err := os.WriteFile(local, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome := syncer.Transfer(context.Background(), store.objects)
	if outcome.Downloaded != 1 {
		t.Fatalf("changed file should be re-downloaded: %+v", outcome)
	}

	fi, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 100 {
		t.Fatalf("local file should hold the full payload, got %d bytes", fi.Size())
	}
}

func TestTransferIdempotent(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 100},
			{Key: testBase + "date=2024-10-30/part-0002.parquet", Size: 200},
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, dl := newTestSyncer(config, store)

	first := syncer.Transfer(context.Background(), store.objects)
	if first.Downloaded != 2 {
		t.Fatalf("first run should download everything: %+v", first)
	}

	second := syncer.Transfer(context.Background(), store.objects)
	if second.Downloaded != 0 || second.Skipped != 2 || second.Failed != 0 {
		t.Fatalf("second run should skip everything: %+v", second)
	}
	if len(dl.calls) != 2 {
		t.Fatalf("no additional downloads expected on the second run, got %v", dl.calls)
	}
}

func TestTransferCountsAreExhaustive(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 10},
			{Key: testBase + "date=2024-10-30/part-0002.parquet", Size: 20},
			{Key: testBase + "date=2024-10-30/part-0003.parquet", Size: 30},
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, dl := newTestSyncer(config, store)
	dl.failKeys[testBase+"date=2024-10-30/part-0002.parquet"] = true

	outcome := syncer.Transfer(context.Background(), store.objects)
	if outcome.Downloaded+outcome.Skipped+outcome.Failed != len(store.objects) {
		t.Fatalf("counts must partition the batch: %+v", outcome)
	}
	if outcome.Failed != 1 || outcome.Downloaded != 2 {
		t.Fatalf("one failure must not stop the batch: %+v", outcome)
	}

	// The failed download must not leave a partial file behind, or the next
	// run's size check could wrongly skip it.
	failed := localPathForKey(config.Extract.OutDir, testBase+"date=2024-10-30/part-0002.parquet")
	if _, err := os.Stat(failed); !os.IsNotExist(err) {
		t.Fatalf("partial file should have been removed: %v", err)
	}
}

func TestTransferIgnoresDirectoryMarkers(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/", Size: 0},
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 10},
		},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, _ := newTestSyncer(config, store)

	outcome := syncer.Transfer(context.Background(), store.objects)
	if outcome.Downloaded != 1 || outcome.Skipped != 0 || outcome.Failed != 0 {
		t.Fatalf("directory markers must not be counted: %+v", outcome)
	}
}

func TestTransferDryRun(t *testing.T) {
	key := testBase + "date=2024-10-30/part-0001.parquet"
	store := &fakeStore{objects: []RemoteObject{{Key: key, Size: 10}}}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	config.DryRun = true
	syncer, dl := newTestSyncer(config, store)

	outcome := syncer.Transfer(context.Background(), store.objects)
	if outcome.Downloaded != 1 || outcome.Failed != 0 {
		t.Fatalf("dry run counts planned downloads as successes: %+v", outcome)
	}
	if len(dl.calls) != 0 {
		t.Fatalf("dry run must not hit the store, got %v", dl.calls)
	}
	if _, err := os.Stat(localPathForKey(config.Extract.OutDir, key)); !os.IsNotExist(err) {
		t.Fatal("dry run must not create payload files")
	}
}

func TestCollectCancelled(t *testing.T) {
	store := &fakeStore{
		objects: []RemoteObject{
			{Key: testBase + "date=2024-10-30/part-0001.parquet", Size: 10},
		},
		markers: map[string]bool{testBase + "date=2024-10-30/" + successMarker: true},
	}

	config := syncerConfig(t, "2024-10-30", "2024-10-30")
	syncer, _ := newTestSyncer(config, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := syncer.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocalPathForKey(t *testing.T) {
	got := localPathForKey("data", "v1/account_id=1/type=decisions/date=2024-10-30/p.parquet")
	want := filepath.Join("data", "v1", "account_id=1", "type=decisions", "date=2024-10-30", "p.parquet")
	if got != want {
		t.Fatalf("localPathForKey = %q, want %q", got, want)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{512, "512.00B"},
		{1536, "1.50KB"},
		{5 * 1024 * 1024, "5.00MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Fatalf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
