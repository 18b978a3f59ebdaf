package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xpucat/xpucat/internal/ingest"
	"github.com/xpucat/xpucat/internal/interval"
	"github.com/xpucat/xpucat/internal/regioncache"
	"github.com/xpucat/xpucat/internal/retry"
	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/policy"
	"github.com/xpucat/xpucat/pkg/storage"
	"github.com/xpucat/xpucat/pkg/storage/sqlite"
)

const (
	policyDirFlag     = "policy-dir"
	maxAttemptsFlag   = "max-attempts"
	baseDelayFlag     = "base-delay"
	maxConcurrentFlag = "max-concurrent-documents"
)

// NewIngestCommand returns the command that ingests a directory of policy
// documents into the catalog.
func NewIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a directory of policy XML documents into the catalog",
		RunE:  runIngest,
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String(policyDirFlag, "./policies", "directory containing policy XML documents")
	flags.Int(maxAttemptsFlag, retry.DefaultMaxAttempts, "retry attempts per ingestion chunk")
	flags.Duration(baseDelayFlag, retry.DefaultBaseDelay, "base delay for exponential backoff")
	flags.Int(maxConcurrentFlag, 4, "documents ingested concurrently")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	log, err := logger.NewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
	if err != nil {
		return err
	}

	ds, err := sqlite.New(viper.GetString(datastoreURIFlag), &sqlite.Config{Logger: log})
	if err != nil {
		return err
	}
	defer ds.Close()

	mem, err := storage.NewInMemoryTTLCache[any]()
	if err != nil {
		return err
	}
	cache := regioncache.New(mem)
	defer cache.Stop()

	index := interval.New(ds)
	engine := ingest.NewSuperseder(ds, index, cache, ingest.NoopSearchIndex{}, log)
	policyRetry := retry.NewPolicy(viper.GetInt(maxAttemptsFlag), viper.GetDuration(baseDelayFlag), log)
	pipeline := ingest.NewPipeline(ds, engine, policyRetry, log,
		ingest.WithMaxConcurrentDocuments(viper.GetInt(maxConcurrentFlag)),
		ingest.WithOrphanDetection(ds))

	policyDir := viper.GetString(policyDirFlag)
	paths, err := filepath.Glob(filepath.Join(policyDir, "*.xml"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no policy documents found in %s", policyDir)
	}

	docs := make(map[string]*policy.Document, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err := policy.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		docs[path] = doc
	}

	start := time.Now()
	if err := pipeline.RunAll(ctx, docs); err != nil {
		return err
	}

	log.Info("ingestion completed",
		zap.Int("documents", len(docs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
