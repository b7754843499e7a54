// Command objsync synchronizes object sets between local directories and
// S3 buckets, with version-history replay and point-in-time reconstruction
// for versioned sources.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/objsync/objsync/pkg/events"
	"github.com/objsync/objsync/pkg/pipeline"
	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/storage/fs"
	s3storage "github.com/objsync/objsync/pkg/storage/s3"
	"github.com/objsync/objsync/pkg/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitFatal     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		switch {
		case types.IsCancelled(err):
			return exitCancelled
		case errors.Is(err, pipeline.ErrRunFailed):
			return exitFailed
		default:
			return exitFatal
		}
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "objsync <source> <target>",
		Short: "Synchronize object sets between local paths and S3 buckets",
		Long: `objsync transfers the objects of a source location to a target location.
Locations are either local paths or s3://bucket/prefix URIs. Versioned
sources additionally support full history replay and point-in-time
reconstruction.`,
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.String("mode", "standard", "Transfer mode: standard, versioning, point-in-time")
	flags.String("point-in-time", "", "Reconstruct the source as of this RFC 3339 timestamp")
	flags.Bool("delete", false, "Delete target objects that do not exist on the source")
	flags.Bool("dryrun", false, "Show transfer decisions without writing")
	flags.StringSlice("include", nil, "Only transfer keys matching these glob patterns")
	flags.StringSlice("exclude", nil, "Skip keys matching these glob patterns")
	flags.String("min-size", "", "Skip objects smaller than this size (e.g. 1MiB)")
	flags.String("max-size", "", "Skip objects larger than this size")
	flags.String("mtime-after", "", "Only transfer objects modified after this RFC 3339 timestamp")
	flags.String("mtime-before", "", "Only transfer objects modified before this RFC 3339 timestamp")
	flags.Bool("check-size", false, "Compare by size instead of modification time")
	flags.Bool("check-etag", false, "Compare by entity tag instead of modification time")
	flags.Bool("check-checksum", false, "Compare by additional checksum instead of modification time")
	flags.Bool("check-always", false, "Transfer every object regardless of target state")
	flags.String("checksum-algorithm", "", "Additional checksum: CRC32, CRC32C, CRC64NVME, SHA1, SHA256")
	flags.Bool("full-object-checksum", false, "Request a full-object checksum for multipart uploads")
	flags.Int("workers", 0, "Number of concurrent transfer workers")
	flags.Int("part-concurrency", 0, "Concurrent part uploads per multipart transfer")
	flags.String("multipart-threshold", "8MiB", "Objects at or above this size upload in parts")
	flags.String("part-size", "8MiB", "Multipart chunk size")
	flags.Int("retry-count", 0, "Retries for transient transfer failures")
	flags.Duration("retry-interval", 0, "Fixed wait between retries")
	flags.Bool("warn-as-error", false, "Treat warnings as run failures")
	flags.Bool("precondition-check", false, "Re-check the target immediately before each write")
	flags.Bool("precondition-error", false, "Escalate precondition failures from warning to error")
	flags.Bool("no-guess-mime-type", false, "Do not sniff content types for uploads")
	flags.String("profile", "", "AWS shared config profile")
	flags.String("region", "", "AWS region")
	flags.String("config", "", "Path to a configuration file")
	flags.Bool("quiet", false, "Only log warnings and errors")
	flags.BoolP("verbose", "v", false, "Log per-object decisions")
	flags.Bool("json-log", false, "Emit structured JSON logs")

	cobra.CheckErr(v.BindPFlags(flags))
	v.SetEnvPrefix("OBJSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func newLogger(v *viper.Viper) zerolog.Logger {
	level := zerolog.InfoLevel
	if v.GetBool("quiet") {
		level = zerolog.WarnLevel
	}
	if v.GetBool("verbose") {
		level = zerolog.DebugLevel
	}

	var out zerolog.Logger
	if v.GetBool("json-log") {
		out = zerolog.New(os.Stderr)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return out.Level(level).With().Timestamp().Logger()
}

func run(cmd *cobra.Command, v *viper.Viper, sourceURI, targetURI string) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	log := newLogger(v)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := buildConfig(v, &log)
	if err != nil {
		return err
	}

	source, err := newStorage(ctx, v, sourceURI, cfg)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	target, err := newStorage(ctx, v, targetURI, cfg)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}

	manager := events.NewManager()
	registerLogListeners(manager, log)

	p, err := pipeline.New(cfg, source, target, pipeline.WithEvents(manager))
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if sig, ok := <-sigCh; ok {
			log.Warn().Str("signal", sig.String()).Msg("cancelling")
			p.Token().Cancel()
		}
	}()

	start := time.Now()
	report, runErr := p.Run(ctx)
	printSummary(log, report, time.Since(start))
	return runErr
}

func buildConfig(v *viper.Viper, log *zerolog.Logger) (pipeline.Config, error) {
	cfg := pipeline.Config{
		Mode:                       pipeline.Mode(v.GetString("mode")),
		Delete:                     v.GetBool("delete"),
		DryRun:                     v.GetBool("dryrun"),
		Workers:                    v.GetInt("workers"),
		PartConcurrency:            v.GetInt("part-concurrency"),
		RetryCount:                 v.GetInt("retry-count"),
		RetryInterval:              v.GetDuration("retry-interval"),
		WarnAsError:                v.GetBool("warn-as-error"),
		PreconditionCheck:          v.GetBool("precondition-check"),
		PreconditionFailureIsError: v.GetBool("precondition-error"),
		GuessContentType:           !v.GetBool("no-guess-mime-type"),
		FullObjectChecksum:         v.GetBool("full-object-checksum"),
		Logger:                     log,
	}

	switch {
	case v.GetBool("check-always"):
		cfg.DiffMode = pipeline.DiffAlways
	case v.GetBool("check-size"):
		cfg.DiffMode = pipeline.DiffSize
	case v.GetBool("check-etag"):
		cfg.DiffMode = pipeline.DiffETag
	case v.GetBool("check-checksum"):
		cfg.DiffMode = pipeline.DiffChecksum
	}

	if s := v.GetString("point-in-time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return cfg, fmt.Errorf("parse point-in-time: %w", err)
		}
		cfg.PointInTime = t
	}

	if s := v.GetString("checksum-algorithm"); s != "" {
		alg, ok := types.ParseChecksumAlgorithm(s)
		if !ok {
			return cfg, fmt.Errorf("unknown checksum algorithm %q", s)
		}
		cfg.ChecksumAlgorithm = alg
	}

	threshold, err := parseSize(v.GetString("multipart-threshold"))
	if err != nil {
		return cfg, fmt.Errorf("parse multipart-threshold: %w", err)
	}
	cfg.MultipartThreshold = threshold

	partSize, err := parseSize(v.GetString("part-size"))
	if err != nil {
		return cfg, fmt.Errorf("parse part-size: %w", err)
	}
	cfg.PartSize = partSize

	cfg.Filters, err = buildFilters(v)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func buildFilters(v *viper.Viper) ([]pipeline.Filter, error) {
	var filters []pipeline.Filter

	for _, pattern := range v.GetStringSlice("include") {
		filters = append(filters, pipeline.IncludeFilter{Pattern: pattern})
	}
	for _, pattern := range v.GetStringSlice("exclude") {
		filters = append(filters, pipeline.ExcludeFilter{Pattern: pattern})
	}

	if s := v.GetString("min-size"); s != "" {
		n, err := parseSize(s)
		if err != nil {
			return nil, fmt.Errorf("parse min-size: %w", err)
		}
		filters = append(filters, pipeline.MinSizeFilter{Bytes: n})
	}
	if s := v.GetString("max-size"); s != "" {
		n, err := parseSize(s)
		if err != nil {
			return nil, fmt.Errorf("parse max-size: %w", err)
		}
		filters = append(filters, pipeline.MaxSizeFilter{Bytes: n})
	}
	if s := v.GetString("mtime-after"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parse mtime-after: %w", err)
		}
		filters = append(filters, pipeline.MtimeAfterFilter{T: t})
	}
	if s := v.GetString("mtime-before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parse mtime-before: %w", err)
		}
		filters = append(filters, pipeline.MtimeBeforeFilter{T: t})
	}
	return filters, nil
}

func newStorage(ctx context.Context, v *viper.Viper, uri string, cfg pipeline.Config) (storage.Storage, error) {
	if strings.HasPrefix(uri, "s3://") {
		var opts []func(*awsconfig.LoadOptions) error
		if profile := v.GetString("profile"); profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
		}
		if region := v.GetString("region"); region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		return s3storage.New(ctx, uri, opts...)
	}
	return fs.New(uri, fs.Options{
		PartSize:           cfg.PartSize,
		MultipartThreshold: cfg.MultipartThreshold,
	})
}

func registerLogListeners(manager *events.Manager, log zerolog.Logger) {
	manager.Register(events.SyncComplete, func(d events.Data) {
		log.Info().Str("key", d.Key).Int64("size", d.SourceSize).Msg("synced")
	})
	manager.Register(events.SyncDelete, func(d events.Data) {
		log.Info().Str("key", d.Key).Msg("deleted")
	})
	manager.Register(events.SyncFiltered, func(d events.Data) {
		log.Debug().Str("key", d.Key).Str("reason", d.Message).Msg("skipped")
	})
	manager.Register(events.ETagMismatch|events.ChecksumMismatch, func(d events.Data) {
		log.Warn().Str("key", d.Key).
			Str("sent", d.SourceChecksum+d.SourceETag).
			Str("stored", d.TargetChecksum+d.TargetETag).
			Msg("integrity mismatch")
	})
	manager.Register(events.PipelineError, func(d events.Data) {
		log.Error().Str("key", d.Key).Str("error", d.Message).Msg("transfer failed")
	})
}

func printSummary(log zerolog.Logger, report types.Report, elapsed time.Duration) {
	log.Info().
		Uint64("completed", report.Completed).
		Uint64("skipped", report.Skipped).
		Uint64("deleted", report.Deleted).
		Uint64("errors", report.Errors).
		Uint64("warnings", report.Warnings).
		Uint64("etag_verified", report.ETagVerified).
		Uint64("checksum_verified", report.ChecksumVerified).
		Str("transferred", humanize.IBytes(report.TransferredBytes)).
		Str("elapsed", elapsed.Round(time.Millisecond).String()).
		Msg("sync finished")
}
