package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

var (
	ErrBatchLoad     = errors.New("load job failed")
	ErrDatasetAccess = errors.New("failed to access dataset")
	ErrNoSourceURIs  = errors.New("no source URIs to load")
)

// chunkURIs splits a URI list into batches of at most size, preserving order.
func chunkURIs(uris []string, size int) [][]string {
	var chunks [][]string
	for len(uris) > size {
		chunks = append(chunks, uris[:size])
		uris = uris[size:]
	}
	if len(uris) > 0 {
		chunks = append(chunks, uris)
	}
	return chunks
}

// Loader drives BigQuery load jobs against the raw export table.
type Loader struct {
	config *Config
	client *bigquery.Client
	logger *slog.Logger
}

func NewLoader(config *Config, client *bigquery.Client, logger *slog.Logger) *Loader {
	return &Loader{config: config, client: client, logger: logger}
}

func (l *Loader) writeDisposition() bigquery.TableWriteDisposition {
	if l.config.BigQuery.WriteMode == WriteModeOverwrite {
		return bigquery.WriteTruncate
	}
	return bigquery.WriteAppend
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// ensureDataset creates the target dataset when it does not exist yet.
func (l *Loader) ensureDataset(ctx context.Context) error {
	dataset := l.client.Dataset(l.config.BigQuery.Dataset)
	_, err := dataset.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrDatasetAccess, l.config.BigQuery.Dataset, err)
	}

	l.logger.Info(fmt.Sprintf("📊 Creating dataset %s in %s", l.config.BigQuery.Dataset, l.config.BigQuery.Location))
	if l.config.DryRun {
		return nil
	}
	meta := &bigquery.DatasetMetadata{Location: l.config.BigQuery.Location}
	if err := dataset.Create(ctx, meta); err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", l.config.BigQuery.Dataset, err)
	}
	return nil
}

func (l *Loader) runLoadJob(ctx context.Context, loader *bigquery.Loader, label string) error {
	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBatchLoad, label, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBatchLoad, label, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBatchLoad, label, err)
	}
	return nil
}

// LoadURIs bulk-loads the staged gs:// URIs into the raw table. URIs are
// submitted in batches under the BigQuery per-job source limit; the first
// batch honors the configured write mode and later batches always append so
// an overwrite run replaces the table exactly once. Batches run serially and
// the first failure aborts the remainder.
func (l *Loader) LoadURIs(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return ErrNoSourceURIs
	}
	if err := l.ensureDataset(ctx); err != nil {
		return err
	}

	table := l.client.Dataset(l.config.BigQuery.Dataset).Table(l.config.BigQuery.Table)
	chunks := chunkURIs(uris, l.config.BigQuery.BatchSize)
	l.logger.Info(fmt.Sprintf("🚀 Loading %d URI(s) into %s.%s in %d batch(es)",
		len(uris), l.config.BigQuery.Dataset, l.config.BigQuery.Table, len(chunks)))

	disposition := l.writeDisposition()
	for idx, chunk := range chunks {
		label := fmt.Sprintf("batch %d/%d (%d URIs)", idx+1, len(chunks), len(chunk))
		l.logger.Info(fmt.Sprintf("📦 Submitting %s", label))
		if l.config.DryRun {
			continue
		}

		source := bigquery.NewGCSReference(chunk...)
		source.SourceFormat = bigquery.Parquet
		source.AutoDetect = true

		loader := table.LoaderFrom(source)
		loader.WriteDisposition = disposition
		l.applyPartitioning(loader)

		if err := l.runLoadJob(ctx, loader, label); err != nil {
			return err
		}
		disposition = bigquery.WriteAppend
	}

	l.logRowCount(ctx, table)
	return nil
}

// LoadFiles loads local files directly, one job per file. Slower than the
// URI path but needs no staging bucket.
func (l *Loader) LoadFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return ErrNoSourceURIs
	}
	if err := l.ensureDataset(ctx); err != nil {
		return err
	}

	table := l.client.Dataset(l.config.BigQuery.Dataset).Table(l.config.BigQuery.Table)
	disposition := l.writeDisposition()

	for idx, path := range paths {
		label := fmt.Sprintf("file %d/%d %s", idx+1, len(paths), filepath.Base(path))
		l.logger.Info(fmt.Sprintf("📦 Loading %s", label))
		if l.config.DryRun {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBatchLoad, path, err)
		}
		source := bigquery.NewReaderSource(f)
		source.SourceFormat = bigquery.Parquet
		source.AutoDetect = true

		loader := table.LoaderFrom(source)
		loader.WriteDisposition = disposition
		l.applyPartitioning(loader)

		err = l.runLoadJob(ctx, loader, label)
		f.Close()
		if err != nil {
			return err
		}
		disposition = bigquery.WriteAppend
	}

	l.logRowCount(ctx, table)
	return nil
}

func (l *Loader) applyPartitioning(loader *bigquery.Loader) {
	if l.config.BigQuery.PartitionByDay {
		loader.TimePartitioning = &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType}
	}
}

func (l *Loader) logRowCount(ctx context.Context, table *bigquery.Table) {
	if l.config.DryRun {
		return
	}
	meta, err := table.Metadata(ctx)
	if err != nil {
		l.logger.Debug(fmt.Sprintf("failed to read table metadata: %v", err))
		return
	}
	l.logger.Info(fmt.Sprintf("✅ %s.%s now holds %d row(s)", l.config.BigQuery.Dataset, l.config.BigQuery.Table, meta.NumRows))
}
