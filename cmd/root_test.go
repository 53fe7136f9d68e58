package cmd

import (
	"errors"
	"testing"

	"github.com/spf13/viper"
)

func TestResolveTarget(t *testing.T) {
	t.Run("ExplicitConfigWins", func(t *testing.T) {
		config := validExtractConfig()
		config.S3.Bucket = "my-bucket"
		config.S3.Prefix = "v1/account_id=999/type=decisions/"

		bucket, prefix, err := resolveTarget(config, "hint-bucket", "v1/account_id=123/")
		if err != nil {
			t.Fatal(err)
		}
		if bucket != "my-bucket" || prefix != "v1/account_id=999/type=decisions/" {
			t.Fatalf("unexpected target: %s %s", bucket, prefix)
		}
	})

	t.Run("HintFillsTheGaps", func(t *testing.T) {
		config := validExtractConfig()

		bucket, prefix, err := resolveTarget(config, "optimizely-events-data", "v1/account_id=123/")
		if err != nil {
			t.Fatal(err)
		}
		if bucket != "optimizely-events-data" {
			t.Fatalf("unexpected bucket: %s", bucket)
		}
		if prefix != "v1/account_id=123/type=decisions/" {
			t.Fatalf("unexpected prefix: %s", prefix)
		}
	})

	t.Run("AccountIDBuildsBase", func(t *testing.T) {
		config := validExtractConfig()
		config.S3.Bucket = "my-bucket"
		config.S3.AccountID = "456"
		config.S3.PartitionType = PartitionEvents

		_, prefix, err := resolveTarget(config, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if prefix != "v1/account_id=456/type=events/" {
			t.Fatalf("unexpected prefix: %s", prefix)
		}
	})

	t.Run("NoBucketAnywhere", func(t *testing.T) {
		config := validExtractConfig()
		if _, _, err := resolveTarget(config, "", ""); !errors.Is(err, ErrBucketRequired) {
			t.Fatalf("expected ErrBucketRequired, got %v", err)
		}
	})

	t.Run("MismatchedExplicitPrefix", func(t *testing.T) {
		config := validExtractConfig()
		config.S3.Bucket = "my-bucket"
		config.S3.Prefix = "v1/account_id=999/type=events/"
		config.S3.PartitionType = PartitionDecisions

		if _, _, err := resolveTarget(config, "", ""); !errors.Is(err, ErrPrefixTypeMismatch) {
			t.Fatalf("expected ErrPrefixTypeMismatch, got %v", err)
		}
	})

	t.Run("ScanLayoutUsesHintBaseAsIs", func(t *testing.T) {
		config := validExtractConfig()
		config.Extract.Layout = LayoutScan

		_, prefix, err := resolveTarget(config, "optimizely-events-data", "exports/raw/")
		if err != nil {
			t.Fatal(err)
		}
		if prefix != "exports/raw/" {
			t.Fatalf("unexpected prefix: %s", prefix)
		}
	})
}

func TestCommandFlagBindings(t *testing.T) {
	flag := stageCmd.Flags().Lookup("bq-table")
	t.Cleanup(func() {
		_ = flag.Value.Set(flag.DefValue)
		flag.Changed = false
	})

	t.Setenv("BQ_TABLE", "env_table")

	t.Run("SetFlagBeatsEnv", func(t *testing.T) {
		if err := stageCmd.Flags().Set("bq-table", "flag_table"); err != nil {
			t.Fatal(err)
		}
		bindStageFlags(stageCmd, nil)

		if got := viper.GetString("bigquery.table"); got != "flag_table" {
			t.Fatalf("bigquery.table = %q, want flag_table", got)
		}
	})

	t.Run("UnsetFlagYieldsToEnv", func(t *testing.T) {
		// loadCmd shares the key but its own flag was never set, so the
		// environment value must win after load rebinds.
		bindLoadFlags(loadCmd, nil)

		if got := viper.GetString("bigquery.table"); got != "env_table" {
			t.Fatalf("bigquery.table = %q, want env_table", got)
		}
	})
}
