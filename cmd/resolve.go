package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xpucat/xpucat/internal/ingest"
	"github.com/xpucat/xpucat/internal/interval"
	"github.com/xpucat/xpucat/internal/regioncache"
	"github.com/xpucat/xpucat/internal/resolution"
	"github.com/xpucat/xpucat/internal/retry"
	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/policy"
	"github.com/xpucat/xpucat/pkg/provider"
	"github.com/xpucat/xpucat/pkg/storage"
	"github.com/xpucat/xpucat/pkg/storage/sqlite"
)

const (
	projectFlag         = "project"
	policyVersionFlag   = "policy-version"
	unitFlag            = "unit"
	addrFlag            = "addr"
	addrRangeEndFlag    = "addr-range-end"
	regionNumberFlag    = "region"
	profileFlag         = "profile"
	catalogURLFlag      = "catalog-url"
	catalogUserFlag     = "catalog-username"
	catalogPasswordFlag = "catalog-password"
	requestTimeoutFlag  = "request-timeout"
)

// NewResolveCommand returns the command that answers one resolution query
// and prints the matching regions as JSON.
func NewResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve policy regions by address, address range, or region number",
		RunE:  runResolve,
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String(projectFlag, "", "(required) project name or chip alias")
	flags.String(policyVersionFlag, "", "policy version (defaults to the latest published version)")
	flags.String(unitFlag, "", "MPU/XPU unit name")
	flags.String(addrFlag, "", "address to resolve, hex")
	flags.String(addrRangeEndFlag, "", "end of the address range to resolve, hex")
	flags.Int(regionNumberFlag, -1, "region number to look up")
	flags.String(profileFlag, "", "restrict results to one access-control profile")
	flags.String(catalogURLFlag, "", "(required) base URL of the catalog service")
	flags.String(catalogUserFlag, "", "catalog username")
	flags.String(catalogPasswordFlag, "", "catalog password")
	flags.Duration(requestTimeoutFlag, 30*time.Second, "overall timeout for the resolution request")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func runResolve(cmd *cobra.Command, _ []string) error {
	log, err := logger.NewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
	if err != nil {
		return err
	}

	project := viper.GetString(projectFlag)
	if project == "" {
		return fmt.Errorf("--%s is required", projectFlag)
	}
	catalogURL := viper.GetString(catalogURLFlag)
	if catalogURL == "" {
		return fmt.Errorf("--%s is required", catalogURLFlag)
	}

	query := resolution.Query{
		Project: project,
		Version: viper.GetString(policyVersionFlag),
		Unit:    viper.GetString(unitFlag),
		Profile: viper.GetString(profileFlag),
	}
	if s := viper.GetString(addrFlag); s != "" {
		addr, err := policy.ParseHexAddr(s)
		if err != nil {
			return err
		}
		query.Addr = &addr
	}
	if s := viper.GetString(addrRangeEndFlag); s != "" {
		end, err := policy.ParseHexAddr(s)
		if err != nil {
			return err
		}
		query.AddrRangeEnd = &end
	}
	if n := viper.GetInt(regionNumberFlag); n >= 0 {
		query.RegionNumber = &n
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

	catalog := provider.NewHTTPClient(provider.HTTPClientConfig{
		BaseURL: catalogURL,
		Credentials: provider.Credentials{
			Username: viper.GetString(catalogUserFlag),
			Password: viper.GetString(catalogPasswordFlag),
		},
		Logger: log,
	})

	index := interval.New(ds)
	superseder := ingest.NewSuperseder(ds, index, cache, ingest.NoopSearchIndex{}, log)
	policyRetry := retry.NewPolicy(retry.DefaultMaxAttempts, retry.DefaultBaseDelay, log)
	pipeline := ingest.NewPipeline(ds, superseder, policyRetry, log, ingest.WithOrphanDetection(ds))

	engine := resolution.NewEngine(ds, cache, index, catalog, pipeline, policyRetry, log)

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration(requestTimeoutFlag))
	defer cancel()

	views, err := engine.Resolve(ctx, query)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}
