package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/dataops-works/optimizely-archiver/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	// signalContext is set by main() before Cobra initialization
	// This ensures signal handling is set up before any library can interfere
	signalContext context.Context
	stopFilePath  string

	// versionCheckResult stores the result of the background version check
	versionCheckResult *VersionCheckResult

	cfgFile        string
	debug          bool
	logFormat      string
	dryRun         bool
	authMode       string
	pat            string
	credDuration   string
	credEndpoint   string
	s3Region       string
	s3Bucket       string
	s3Prefix       string
	accountID      string
	partitionType  string
	s3AccessKey    string
	s3SecretKey    string
	s3SessionToken string
	outDir         string
	startDate      string
	endDate        string
	layout         string
	requireSuccess bool
	fileExt        string
	localDir       string
	gcsBucket      string
	gcsPrefix      string
	gcsLocation    string
	bqProject      string
	bqDataset      string
	bqTable        string
	bqLocation     string
	writeMode      string
	batchSize      int
	partitionByDay bool

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context, stopFile string) {
	signalContext = ctx
	stopFilePath = stopFile
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, level, r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// For simplicity, we ignore attributes in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	// For simplicity, we ignore groups in text-only mode
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "optimizely-archiver",
	Version: Version,
	Short:   "📦 Archive Optimizely enriched event exports (S3 → local → GCS → BigQuery)",
	Long: titleStyle.Render("Optimizely Archiver") + `

A CLI tool to mirror Optimizely enriched event export files out of the
vendor S3 bucket and bulk-load them into BigQuery. Discovers daily
date-partitioned Parquet exports, downloads only what changed, stages
the files in GCS and submits batched load jobs.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Download export files from S3 for a date range",
	Long: `Download export files from S3 into a local directory. Walks the requested
date range partition by partition, skips days without a completeness marker,
and re-downloads only files whose size changed since the last run.`,
	PreRun: bindExtractFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runExtract()
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Upload downloaded files to GCS and load them into BigQuery",
	Long: `Upload previously downloaded export files to a GCS staging bucket, then
submit BigQuery load jobs over the staged gs:// URIs in batches.`,
	PreRun: bindStageFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runStage()
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load local export files directly into BigQuery",
	Long: `Load downloaded export files into BigQuery one file at a time, without a
GCS staging bucket. Slower than stage for large backfills.`,
	PreRun: bindLoadFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runLoad()
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Verify the Optimizely credential exchange",
	Long: `Exchange the personal access token for temporary S3 credentials and report
the granted expiry and export location, without transferring anything.`,
	PreRun: bindAuthFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runAuth()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(authCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.optimizely-archiver.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "perform a dry run without transferring")

	// Extract-specific flags
	extractCmd.Flags().StringVar(&authMode, "auth", AuthModeOptimizely, "credential source: optimizely (token exchange) or aws (static keys)")
	extractCmd.Flags().StringVar(&pat, "pat", "", "Optimizely personal access token")
	extractCmd.Flags().StringVar(&credDuration, "duration", "1h", "requested credential validity (15m to 1h)")
	extractCmd.Flags().StringVar(&credEndpoint, "credential-endpoint", DefaultCredentialEndpoint, "credential exchange endpoint URL")
	extractCmd.Flags().StringVar(&s3Region, "region", "us-east-1", "S3 region")
	extractCmd.Flags().StringVar(&s3Bucket, "bucket", "", "S3 bucket (inferred from the credential exchange when omitted)")
	extractCmd.Flags().StringVar(&s3Prefix, "prefix", "", "S3 base prefix including the type=... segment (inferred when omitted)")
	extractCmd.Flags().StringVar(&accountID, "account-id", "", "Optimizely account ID, used to build the base prefix when --prefix is omitted")
	extractCmd.Flags().StringVar(&partitionType, "type", PartitionDecisions, "export type: decisions, events, decisions-rerun")
	extractCmd.Flags().StringVar(&s3AccessKey, "access-key", "", "static AWS access key (aws auth)")
	extractCmd.Flags().StringVar(&s3SecretKey, "secret-key", "", "static AWS secret key (aws auth)")
	extractCmd.Flags().StringVar(&s3SessionToken, "session-token", "", "static AWS session token (aws auth, optional)")
	extractCmd.Flags().StringVar(&outDir, "out-dir", "data", "local directory to mirror into")
	extractCmd.Flags().StringVar(&startDate, "start-date", "", "start date (YYYY-MM-DD)")
	extractCmd.Flags().StringVar(&endDate, "end-date", time.Now().Format("2006-01-02"), "end date (YYYY-MM-DD)")
	extractCmd.Flags().StringVar(&layout, "layout", LayoutDate, "partition layout: date, day, scan, auto")
	extractCmd.Flags().BoolVar(&requireSuccess, "require-success", true, "only transfer days carrying a _SUCCESS marker (date layout)")
	extractCmd.Flags().StringVar(&fileExt, "file-ext", ".parquet", "payload file extension")

	// Stage-specific flags
	stageCmd.Flags().StringVar(&localDir, "local-dir", "data", "local directory holding downloaded export files")
	stageCmd.Flags().StringVar(&fileExt, "file-ext", ".parquet", "payload file extension")
	stageCmd.Flags().StringVar(&gcsBucket, "gcs-bucket", "", "GCS staging bucket")
	stageCmd.Flags().StringVar(&gcsPrefix, "gcs-prefix", "", "object prefix inside the staging bucket")
	stageCmd.Flags().StringVar(&gcsLocation, "gcs-location", "US", "location for the staging bucket if it must be created")
	stageCmd.Flags().StringVar(&bqProject, "project", "", "GCP project ID")
	stageCmd.Flags().StringVar(&bqDataset, "dataset", "", "BigQuery dataset")
	stageCmd.Flags().StringVar(&bqTable, "bq-table", "", "BigQuery table")
	stageCmd.Flags().StringVar(&bqLocation, "bq-location", "US", "location for the dataset if it must be created")
	stageCmd.Flags().StringVar(&writeMode, "write-mode", WriteModeAppend, "write mode: append, overwrite")
	stageCmd.Flags().IntVar(&batchSize, "batch-size", 9000, "source URIs per load job (max 10000)")
	stageCmd.Flags().BoolVar(&partitionByDay, "partition-by-day", true, "create the table with ingestion-time day partitioning")

	// Load-specific flags (shares same variables as stage)
	loadCmd.Flags().StringVar(&localDir, "local-dir", "data", "local directory holding downloaded export files")
	loadCmd.Flags().StringVar(&fileExt, "file-ext", ".parquet", "payload file extension")
	loadCmd.Flags().StringVar(&bqProject, "project", "", "GCP project ID")
	loadCmd.Flags().StringVar(&bqDataset, "dataset", "", "BigQuery dataset")
	loadCmd.Flags().StringVar(&bqTable, "bq-table", "", "BigQuery table")
	loadCmd.Flags().StringVar(&bqLocation, "bq-location", "US", "location for the dataset if it must be created")
	loadCmd.Flags().StringVar(&writeMode, "write-mode", WriteModeAppend, "write mode: append, overwrite")
	loadCmd.Flags().IntVar(&batchSize, "batch-size", 9000, "kept for parity with stage; direct loads run one job per file")
	loadCmd.Flags().BoolVar(&partitionByDay, "partition-by-day", true, "create the table with ingestion-time day partitioning")

	// Auth-specific flags
	authCmd.Flags().StringVar(&pat, "pat", "", "Optimizely personal access token")
	authCmd.Flags().StringVar(&credDuration, "duration", "1h", "requested credential validity (15m to 1h)")
	authCmd.Flags().StringVar(&credEndpoint, "credential-endpoint", DefaultCredentialEndpoint, "credential exchange endpoint URL")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in the per-command Validate methods after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// Well-known environment variables take effect without the env prefix
	_ = viper.BindEnv("auth.token", "OPTIMIZELY_PAT")
	_ = viper.BindEnv("s3.access_key", "AWS_ACCESS_KEY_ID")
	_ = viper.BindEnv("s3.secret_key", "AWS_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("s3.session_token", "AWS_SESSION_TOKEN")
	_ = viper.BindEnv("s3.region", "AWS_REGION")
	_ = viper.BindEnv("s3.bucket", "S3_BUCKET")
	_ = viper.BindEnv("s3.prefix", "S3_PREFIX")
	_ = viper.BindEnv("s3.account_id", "OPTIMIZELY_ACCOUNT_ID")
	_ = viper.BindEnv("gcs.bucket", "GCS_BUCKET")
	_ = viper.BindEnv("gcs.prefix", "GCS_PREFIX")
	_ = viper.BindEnv("bigquery.project", "GCP_PROJECT_ID")
	_ = viper.BindEnv("bigquery.dataset", "BQ_DATASET")
	_ = viper.BindEnv("bigquery.table", "BQ_TABLE")
	_ = viper.BindEnv("bigquery.location", "BQ_LOCATION")
}

// The subcommands share config keys (local_dir, extract.file_ext, the
// bigquery group), so binding flags at init time would leave every shared
// key pointing at whichever command registered last. Each command instead
// rebinds its own flags just before Run, once its flag set is parsed.
func bindExtractFlags(cmd *cobra.Command, _ []string) {
	_ = viper.BindPFlag("auth.mode", cmd.Flags().Lookup("auth"))
	_ = viper.BindPFlag("auth.token", cmd.Flags().Lookup("pat"))
	_ = viper.BindPFlag("auth.duration", cmd.Flags().Lookup("duration"))
	_ = viper.BindPFlag("auth.endpoint", cmd.Flags().Lookup("credential-endpoint"))
	_ = viper.BindPFlag("s3.region", cmd.Flags().Lookup("region"))
	_ = viper.BindPFlag("s3.bucket", cmd.Flags().Lookup("bucket"))
	_ = viper.BindPFlag("s3.prefix", cmd.Flags().Lookup("prefix"))
	_ = viper.BindPFlag("s3.account_id", cmd.Flags().Lookup("account-id"))
	_ = viper.BindPFlag("s3.partition_type", cmd.Flags().Lookup("type"))
	_ = viper.BindPFlag("s3.access_key", cmd.Flags().Lookup("access-key"))
	_ = viper.BindPFlag("s3.secret_key", cmd.Flags().Lookup("secret-key"))
	_ = viper.BindPFlag("s3.session_token", cmd.Flags().Lookup("session-token"))
	_ = viper.BindPFlag("extract.out_dir", cmd.Flags().Lookup("out-dir"))
	_ = viper.BindPFlag("extract.start_date", cmd.Flags().Lookup("start-date"))
	_ = viper.BindPFlag("extract.end_date", cmd.Flags().Lookup("end-date"))
	_ = viper.BindPFlag("extract.layout", cmd.Flags().Lookup("layout"))
	_ = viper.BindPFlag("extract.require_success", cmd.Flags().Lookup("require-success"))
	_ = viper.BindPFlag("extract.file_ext", cmd.Flags().Lookup("file-ext"))
}

func bindStageFlags(cmd *cobra.Command, _ []string) {
	_ = viper.BindPFlag("local_dir", cmd.Flags().Lookup("local-dir"))
	_ = viper.BindPFlag("extract.file_ext", cmd.Flags().Lookup("file-ext"))
	_ = viper.BindPFlag("gcs.bucket", cmd.Flags().Lookup("gcs-bucket"))
	_ = viper.BindPFlag("gcs.prefix", cmd.Flags().Lookup("gcs-prefix"))
	_ = viper.BindPFlag("gcs.location", cmd.Flags().Lookup("gcs-location"))
	_ = viper.BindPFlag("bigquery.project", cmd.Flags().Lookup("project"))
	_ = viper.BindPFlag("bigquery.dataset", cmd.Flags().Lookup("dataset"))
	_ = viper.BindPFlag("bigquery.table", cmd.Flags().Lookup("bq-table"))
	_ = viper.BindPFlag("bigquery.location", cmd.Flags().Lookup("bq-location"))
	_ = viper.BindPFlag("bigquery.write_mode", cmd.Flags().Lookup("write-mode"))
	_ = viper.BindPFlag("bigquery.batch_size", cmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("bigquery.partition_by_day", cmd.Flags().Lookup("partition-by-day"))
}

func bindLoadFlags(cmd *cobra.Command, _ []string) {
	_ = viper.BindPFlag("local_dir", cmd.Flags().Lookup("local-dir"))
	_ = viper.BindPFlag("extract.file_ext", cmd.Flags().Lookup("file-ext"))
	_ = viper.BindPFlag("bigquery.project", cmd.Flags().Lookup("project"))
	_ = viper.BindPFlag("bigquery.dataset", cmd.Flags().Lookup("dataset"))
	_ = viper.BindPFlag("bigquery.table", cmd.Flags().Lookup("bq-table"))
	_ = viper.BindPFlag("bigquery.location", cmd.Flags().Lookup("bq-location"))
	_ = viper.BindPFlag("bigquery.write_mode", cmd.Flags().Lookup("write-mode"))
	_ = viper.BindPFlag("bigquery.batch_size", cmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("bigquery.partition_by_day", cmd.Flags().Lookup("partition-by-day"))
}

func bindAuthFlags(cmd *cobra.Command, _ []string) {
	_ = viper.BindPFlag("auth.token", cmd.Flags().Lookup("pat"))
	_ = viper.BindPFlag("auth.duration", cmd.Flags().Lookup("duration"))
	_ = viper.BindPFlag("auth.endpoint", cmd.Flags().Lookup("credential-endpoint"))
}

func initConfig() {
	// A .env file in the working directory is merged into the process
	// environment before viper reads it; absence is not an error.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".optimizely-archiver")
	}

	viper.SetEnvPrefix("OPTARCHIVE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// buildConfig assembles the effective configuration from all viper sources.
func buildConfig() *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		DryRun:    viper.GetBool("dry_run"),
		Auth: AuthConfig{
			Mode:     viper.GetString("auth.mode"),
			Token:    viper.GetString("auth.token"),
			Duration: viper.GetString("auth.duration"),
			Endpoint: viper.GetString("auth.endpoint"),
		},
		S3: S3Config{
			Region:        viper.GetString("s3.region"),
			Bucket:        viper.GetString("s3.bucket"),
			Prefix:        viper.GetString("s3.prefix"),
			AccountID:     viper.GetString("s3.account_id"),
			PartitionType: viper.GetString("s3.partition_type"),
			AccessKey:     viper.GetString("s3.access_key"),
			SecretKey:     viper.GetString("s3.secret_key"),
			SessionToken:  viper.GetString("s3.session_token"),
		},
		Extract: ExtractConfig{
			OutDir:         viper.GetString("extract.out_dir"),
			StartDate:      viper.GetString("extract.start_date"),
			EndDate:        viper.GetString("extract.end_date"),
			Layout:         viper.GetString("extract.layout"),
			RequireSuccess: viper.GetBool("extract.require_success"),
			FileExt:        viper.GetString("extract.file_ext"),
		},
		LocalDir: viper.GetString("local_dir"),
		GCS: GCSConfig{
			Bucket:   viper.GetString("gcs.bucket"),
			Prefix:   viper.GetString("gcs.prefix"),
			Location: viper.GetString("gcs.location"),
		},
		BigQuery: BigQueryConfig{
			Project:        viper.GetString("bigquery.project"),
			Dataset:        viper.GetString("bigquery.dataset"),
			Table:          viper.GetString("bigquery.table"),
			Location:       viper.GetString("bigquery.location"),
			WriteMode:      viper.GetString("bigquery.write_mode"),
			BatchSize:      viper.GetInt("bigquery.batch_size"),
			PartitionByDay: viper.GetBool("bigquery.partition_by_day"),
		},
	}
}

// runContext returns the signal-aware context created in main()
func runContext() context.Context {
	ctx := signalContext
	if ctx == nil {
		// Fallback if SetSignalContext wasn't called (shouldn't happen)
		logger.Warn("Signal context not set, creating fallback...")
		ctx, _ = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	}
	return ctx
}

func logBanner(subtitle string) {
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Optimizely Archiver v%s%s", Version, subtitle))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// resolveTarget decides the effective bucket and base prefix from explicit
// configuration plus whatever the credential exchange disclosed.
func resolveTarget(cfg *Config, hintBucket, hintPrefix string) (string, string, error) {
	bucket := cfg.S3.Bucket
	if bucket == "" {
		bucket = hintBucket
	}
	if bucket == "" {
		return "", "", ErrBucketRequired
	}

	if cfg.S3.Prefix != "" {
		prefix := normalizePrefix(cfg.S3.Prefix)
		if cfg.Extract.Layout == LayoutDate {
			if err := validateTypedPrefix(prefix, cfg.S3.PartitionType); err != nil {
				return "", "", err
			}
		}
		return bucket, prefix, nil
	}

	base, err := accountBasePrefix(hintPrefix, cfg.S3.AccountID)
	if err != nil {
		// Non-date layouts can list from whatever base the exchange disclosed.
		if cfg.Extract.Layout != LayoutDate && hintPrefix != "" {
			return bucket, hintPrefix, nil
		}
		return "", "", err
	}
	if cfg.Extract.Layout == LayoutDate {
		base += typeSuffix(cfg.S3.PartitionType)
	}
	return bucket, base, nil
}

func runExtract() {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := buildConfig()
	initLogger(config.Debug, config.LogFormat)

	logBanner("")

	// Display stop instructions (for Warp terminal compatibility) - only in debug mode
	if config.Debug && stopFilePath != "" {
		fmt.Fprintln(os.Stderr, "\n"+infoStyle.Render("💡 To stop archiver: Press CTRL-C, or run:"))
		fmt.Fprintf(os.Stderr, "   "+infoStyle.Render("touch %s")+"\n\n", stopFilePath)
	}

	logger.Debug("Validating configuration...")
	if err := config.ValidateExtract(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Check for updates in background (non-blocking)
	updateCheckDone := make(chan struct{})
	go func() {
		defer close(updateCheckDone)
		result := checkForUpdates(context.Background(), Version)
		versionCheckResult = &result

		if result.UpdateAvailable {
			logger.Info("")
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil && config.Debug {
			logger.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	}()

	select {
	case <-updateCheckDone:
	case <-time.After(2 * time.Second):
		logger.Debug("Version check taking longer than expected, continuing...")
	}

	ctx := runContext()

	var hintBucket, hintPrefix string

	if pid, err := ReadPIDFile(); err == nil && IsProcessRunning(pid) {
		logger.Error(fmt.Sprintf("❌ Another instance appears to be running (PID %d)", pid))
		os.Exit(1)
	}
	if err := WritePIDFile(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Could not write PID file: %v", err))
	}
	defer func() { _ = RemovePIDFile() }()

	var store objectStore
	var downloader objectDownloader
	switch config.Auth.Mode {
	case AuthModeOptimizely:
		logger.Info("🔑 Exchanging personal access token for S3 credentials...")
		s, provider, err := newExchangeSession(config)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ Credential exchange failed: %s", err.Error()))
			os.Exit(1)
		}
		if hint := provider.S3PathHint(); hint != "" {
			hintBucket, hintPrefix, err = parseS3Path(hint)
			if err != nil {
				logger.Warn(fmt.Sprintf("⚠️  Ignoring malformed export location hint: %v", err))
				hintBucket, hintPrefix = "", ""
			}
		}
		store = s3.New(s)
		downloader = s3manager.NewDownloader(s)
	default:
		s, err := newStaticSession(config)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ S3 session error: %s", err.Error()))
			os.Exit(1)
		}
		store = s3.New(s)
		downloader = s3manager.NewDownloader(s)
	}

	bucket, basePrefix, err := resolveTarget(config, hintBucket, hintPrefix)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}

	start, end, _ := config.DateWindow()
	logger.Info(fmt.Sprintf("🪣 s3://%s/%s", bucket, basePrefix))
	logger.Info(fmt.Sprintf("📅 %s .. %s → %s", start.Format("2006-01-02"), end.Format("2006-01-02"), config.Extract.OutDir))
	if config.DryRun {
		logger.Info("🔍 Dry run: nothing will be downloaded")
	}

	task := &TaskInfo{
		PID:         os.Getpid(),
		StartTime:   time.Now(),
		Bucket:      bucket,
		Prefix:      basePrefix,
		StartDate:   config.Extract.StartDate,
		EndDate:     config.Extract.EndDate,
		CurrentTask: "collect",
	}
	_ = WriteTaskInfo(task)
	defer func() { _ = RemoveTaskFile() }()

	syncer := NewSyncer(config, store, downloader, bucket, basePrefix, logger)

	objects, err := syncer.Collect(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Extract cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Listing failed: %s", err.Error()))
		os.Exit(1)
	}
	if len(objects) == 0 {
		logger.Info("")
		logger.Info("✅ No export files found for the requested range, nothing to do")
		return
	}

	logger.Info(fmt.Sprintf("📋 %d file(s), %s total", len(objects), humanSize(TotalSize(objects))))

	task.CurrentTask = "transfer"
	task.TotalObjects = len(objects)
	_ = WriteTaskInfo(task)

	outcome := syncer.Transfer(ctx, objects)

	task.Downloaded = outcome.Downloaded
	task.Skipped = outcome.Skipped
	task.Failed = outcome.Failed
	_ = WriteTaskInfo(task)

	logger.Info("")
	logger.Info(fmt.Sprintf("📦 Downloaded %d, skipped %d, failed %d", outcome.Downloaded, outcome.Skipped, outcome.Failed))

	if ctx.Err() != nil {
		logger.Info("⚠️  Extract cancelled by user")
		os.Exit(130)
	}
	if outcome.Failed > 0 {
		logger.Error(fmt.Sprintf("❌ %d file(s) failed to transfer", outcome.Failed))
		os.Exit(2)
	}

	logger.Info("✅ Extract completed successfully!")
}

func runStage() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := buildConfig()
	initLogger(config.Debug, config.LogFormat)

	logBanner(" - Stage Mode")

	logger.Debug("Validating configuration...")
	if err := config.ValidateStage(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	ctx := runContext()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ GCS client error: %s", err.Error()))
		os.Exit(1)
	}
	defer gcsClient.Close()

	stager := NewStager(config, gcsClient, logger)
	uris, outcome, err := stager.Upload(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Stage cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Staging failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("📦 Uploaded %d, skipped %d, failed %d", outcome.Downloaded, outcome.Skipped, outcome.Failed))

	if outcome.Failed > 0 {
		logger.Error(fmt.Sprintf("❌ %d file(s) failed to upload, not loading a partial batch", outcome.Failed))
		os.Exit(2)
	}
	if len(uris) == 0 {
		logger.Info("✅ Nothing staged, nothing to load")
		return
	}

	bqClient, err := bigquery.NewClient(ctx, config.BigQuery.Project)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ BigQuery client error: %s", err.Error()))
		os.Exit(1)
	}
	defer bqClient.Close()
	bqClient.Location = config.BigQuery.Location

	loader := NewLoader(config, bqClient, logger)
	if err := loader.LoadURIs(ctx, uris); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Load cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Load failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info("✅ Stage completed successfully!")
}

func runLoad() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := buildConfig()
	initLogger(config.Debug, config.LogFormat)

	logBanner(" - Direct Load Mode")

	logger.Debug("Validating configuration...")
	if err := config.ValidateLoad(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	ctx := runContext()

	files, err := payloadFiles(config.LocalDir, config.Extract.FileExt)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		os.Exit(1)
	}
	if len(files) == 0 {
		logger.Info("")
		logger.Info("✅ No local export files found, nothing to do")
		return
	}

	paths := make([]string, len(files))
	for i, rel := range files {
		paths[i] = filepath.Join(config.LocalDir, rel)
	}

	bqClient, err := bigquery.NewClient(ctx, config.BigQuery.Project)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ BigQuery client error: %s", err.Error()))
		os.Exit(1)
	}
	defer bqClient.Close()
	bqClient.Location = config.BigQuery.Location

	loader := NewLoader(config, bqClient, logger)
	if err := loader.LoadFiles(ctx, paths); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Load cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Load failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info("✅ Load completed successfully!")
}

func runAuth() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := buildConfig()
	initLogger(config.Debug, config.LogFormat)

	logBanner(" - Auth Check")

	if err := config.ValidateAuthCheck(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("🔑 Exchanging personal access token for S3 credentials...")
	client := &http.Client{Timeout: credentialTimeout}
	creds, err := fetchExportCredentials(client, config.Auth.Endpoint, config.Auth.Token, config.Auth.Duration)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Credential exchange failed: %s", err.Error()))
		os.Exit(1)
	}

	// Secret values are never logged, only the grant metadata.
	logger.Info(fmt.Sprintf("✅ Credentials granted until %s", creds.Expiry.Format(time.RFC3339)))
	if creds.S3Path != "" {
		if bucket, prefix, err := parseS3Path(creds.S3Path); err == nil {
			logger.Info(fmt.Sprintf("🪣 Export location: s3://%s/%s", bucket, prefix))
		} else {
			logger.Warn(fmt.Sprintf("⚠️  Export location hint is malformed: %v", err))
		}
	}
}
