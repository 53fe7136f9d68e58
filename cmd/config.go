package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Static errors for configuration validation
var (
	ErrAuthModeInvalid      = errors.New("auth mode must be one of: optimizely, aws")
	ErrTokenRequired        = errors.New("personal access token is required for optimizely auth (set OPTIMIZELY_PAT or --pat)")
	ErrStaticCredsRequired  = errors.New("AWS access key and secret key are required for aws auth")
	ErrBucketRequired       = errors.New("S3 bucket is required for aws auth (set S3_BUCKET or --bucket)")
	ErrAccountBaseRequired  = errors.New("cannot determine account base prefix: provide --prefix or --account-id, or use optimizely auth to infer it")
	ErrPartitionTypeInvalid = errors.New("partition type must be one of: decisions, events, decisions-rerun")
	ErrLayoutInvalid        = errors.New("layout must be one of: date, day, scan, auto")
	ErrDurationInvalid      = errors.New("credential duration must be a Go duration between 15m and 1h")
	ErrStartDateRequired    = errors.New("start date is required")
	ErrStartDateInvalid     = errors.New("invalid start date format, expected YYYY-MM-DD")
	ErrEndDateInvalid       = errors.New("invalid end date format, expected YYYY-MM-DD")
	ErrDateRangeInverted    = errors.New("end date cannot be earlier than start date")
	ErrOutDirRequired       = errors.New("output directory is required")
	ErrFileExtInvalid       = errors.New("file extension must start with '.'")
	ErrLocalDirRequired     = errors.New("local directory is required")
	ErrGCSBucketRequired    = errors.New("GCS bucket is required (set GCS_BUCKET or --gcs-bucket)")
	ErrProjectRequired      = errors.New("GCP project ID is required (set GCP_PROJECT_ID or --project)")
	ErrDatasetRequired      = errors.New("BigQuery dataset is required (set BQ_DATASET or --dataset)")
	ErrBQTableRequired      = errors.New("BigQuery table is required (set BQ_TABLE or --bq-table)")
	ErrWriteModeInvalid     = errors.New("write mode must be one of: append, overwrite")
	ErrBatchSizeInvalid     = errors.New("batch size must be between 1 and 10000 (BigQuery load job URI ceiling)")
	ErrEndpointRequired     = errors.New("credential endpoint is required for optimizely auth")
)

// Auth mode constants
const (
	AuthModeOptimizely = "optimizely"
	AuthModeAWS        = "aws"
)

// Write mode constants
const (
	WriteModeAppend    = "append"
	WriteModeOverwrite = "overwrite"
)

type Config struct {
	Debug     bool
	LogFormat string
	DryRun    bool

	Auth     AuthConfig
	S3       S3Config
	Extract  ExtractConfig
	LocalDir string // staged payload root for the stage/load commands
	GCS      GCSConfig
	BigQuery BigQueryConfig
}

type AuthConfig struct {
	Mode     string // optimizely (temporary exchanged credentials) or aws (static)
	Token    string // Optimizely personal access token
	Duration string // requested credential validity, 15m..1h
	Endpoint string // credential exchange endpoint
}

type S3Config struct {
	Region        string
	Bucket        string
	Prefix        string // full base prefix including type=.../ when layout is "date"
	AccountID     string // used to build v1/account_id=<ID>/type=<type>/ when Prefix is empty
	PartitionType string // decisions, events, decisions-rerun
	AccessKey     string
	SecretKey     string
	SessionToken  string
}

type ExtractConfig struct {
	OutDir         string
	StartDate      string
	EndDate        string
	Layout         string // date, day, scan, auto
	RequireSuccess bool   // only transfer days carrying a _SUCCESS marker
	FileExt        string // payload extension filter, e.g. ".parquet"
}

type GCSConfig struct {
	Bucket   string
	Prefix   string
	Location string
}

type BigQueryConfig struct {
	Project        string
	Dataset        string
	Table          string
	Location       string
	WriteMode      string
	BatchSize      int
	PartitionByDay bool // ingestion-time DAY partitioning on load
}

// bigQueryMaxSourceURIs is the hard per-load-job source URI ceiling imposed
// by BigQuery. Batch sizes must stay at or below it.
const bigQueryMaxSourceURIs = 10000

// Layout constants for the remote key-space
const (
	LayoutDate = "date" // prefix/date=YYYY-MM-DD/ partitions with _SUCCESS markers
	LayoutDay  = "day"  // prefix/YYYY/MM/DD/ folders
	LayoutScan = "scan" // flat listing filtered by a date-in-key heuristic
	LayoutAuto = "auto" // probe for day folders, fall back to scan
)

func isValidAuthMode(mode string) bool {
	return mode == AuthModeOptimizely || mode == AuthModeAWS
}

func isValidLayout(layout string) bool {
	switch layout {
	case LayoutDate, LayoutDay, LayoutScan, LayoutAuto:
		return true
	}
	return false
}

func isValidWriteMode(mode string) bool {
	return mode == WriteModeAppend || mode == WriteModeOverwrite
}

// validateDuration enforces the exchange endpoint's accepted validity window.
func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDurationInvalid, err)
	}
	if d < 15*time.Minute || d > time.Hour {
		return fmt.Errorf("%w, got %s", ErrDurationInvalid, s)
	}
	return nil
}

// DateWindow parses the configured inclusive date range.
func (c *Config) DateWindow() (start, end time.Time, err error) {
	if c.Extract.StartDate == "" {
		return start, end, ErrStartDateRequired
	}
	start, err = time.Parse("2006-01-02", c.Extract.StartDate)
	if err != nil {
		return start, end, fmt.Errorf("%w: %w", ErrStartDateInvalid, err)
	}
	end, err = time.Parse("2006-01-02", c.Extract.EndDate)
	if err != nil {
		return start, end, fmt.Errorf("%w: %w", ErrEndDateInvalid, err)
	}
	if end.Before(start) {
		return start, end, ErrDateRangeInverted
	}
	return start, end, nil
}

func (c *Config) validateAuth() error {
	if !isValidAuthMode(c.Auth.Mode) {
		return fmt.Errorf("%w, got '%s'", ErrAuthModeInvalid, c.Auth.Mode)
	}
	if c.Auth.Mode == AuthModeOptimizely {
		if c.Auth.Token == "" {
			return ErrTokenRequired
		}
		if c.Auth.Endpoint == "" {
			return ErrEndpointRequired
		}
		return validateDuration(c.Auth.Duration)
	}
	if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		return ErrStaticCredsRequired
	}
	return nil
}

// ValidateExtract checks everything the extract command needs before any
// network activity happens.
func (c *Config) ValidateExtract() error {
	if err := c.validateAuth(); err != nil {
		return err
	}
	if !isValidPartitionType(c.S3.PartitionType) {
		return fmt.Errorf("%w, got '%s'", ErrPartitionTypeInvalid, c.S3.PartitionType)
	}
	if !isValidLayout(c.Extract.Layout) {
		return fmt.Errorf("%w, got '%s'", ErrLayoutInvalid, c.Extract.Layout)
	}
	if _, _, err := c.DateWindow(); err != nil {
		return err
	}
	if c.Extract.OutDir == "" {
		return ErrOutDirRequired
	}
	if c.Extract.FileExt != "" && !strings.HasPrefix(c.Extract.FileExt, ".") {
		return fmt.Errorf("%w, got '%s'", ErrFileExtInvalid, c.Extract.FileExt)
	}

	// With static credentials nothing can be inferred from the exchange
	// response, so the location must be fully configured up front.
	if c.Auth.Mode == AuthModeAWS {
		if c.S3.Bucket == "" {
			return ErrBucketRequired
		}
		if c.Extract.Layout == LayoutDate && c.S3.Prefix == "" && c.S3.AccountID == "" {
			return ErrAccountBaseRequired
		}
	}

	// An explicitly supplied prefix is validated here, before any network
	// call; a hint-derived prefix is validated again after the exchange.
	if c.Extract.Layout == LayoutDate && c.S3.Prefix != "" {
		if err := validateTypedPrefix(normalizePrefix(c.S3.Prefix), c.S3.PartitionType); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateBigQuery() error {
	if c.BigQuery.Project == "" {
		return ErrProjectRequired
	}
	if c.BigQuery.Dataset == "" {
		return ErrDatasetRequired
	}
	if c.BigQuery.Table == "" {
		return ErrBQTableRequired
	}
	if !isValidWriteMode(c.BigQuery.WriteMode) {
		return fmt.Errorf("%w, got '%s'", ErrWriteModeInvalid, c.BigQuery.WriteMode)
	}
	if c.BigQuery.BatchSize < 1 || c.BigQuery.BatchSize > bigQueryMaxSourceURIs {
		return fmt.Errorf("%w, got %d", ErrBatchSizeInvalid, c.BigQuery.BatchSize)
	}
	return nil
}

// ValidateStage checks the stage command configuration (GCS upload + load).
func (c *Config) ValidateStage() error {
	if c.LocalDir == "" {
		return ErrLocalDirRequired
	}
	if c.GCS.Bucket == "" {
		return ErrGCSBucketRequired
	}
	if c.Extract.FileExt != "" && !strings.HasPrefix(c.Extract.FileExt, ".") {
		return fmt.Errorf("%w, got '%s'", ErrFileExtInvalid, c.Extract.FileExt)
	}
	return c.validateBigQuery()
}

// ValidateLoad checks the load command configuration (local files -> BigQuery).
func (c *Config) ValidateLoad() error {
	if c.LocalDir == "" {
		return ErrLocalDirRequired
	}
	if c.Extract.FileExt != "" && !strings.HasPrefix(c.Extract.FileExt, ".") {
		return fmt.Errorf("%w, got '%s'", ErrFileExtInvalid, c.Extract.FileExt)
	}
	return c.validateBigQuery()
}

// ValidateAuthCheck checks the auth command configuration.
func (c *Config) ValidateAuthCheck() error {
	if c.Auth.Token == "" {
		return ErrTokenRequired
	}
	if c.Auth.Endpoint == "" {
		return ErrEndpointRequired
	}
	return validateDuration(c.Auth.Duration)
}
