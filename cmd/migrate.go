package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xpucat/xpucat/pkg/storage/sqlite"
)

const (
	versionFlag          = "version"
	timeoutFlag          = "timeout"
	verboseMigrationFlag = "verbose"
)

// NewMigrateCommand returns the command that brings the catalog schema to
// the requested version.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations needed for the xpucat catalog",
		RunE:  runMigration,
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.Int64(versionFlag, 0, "the schema version to migrate to (if omitted the latest schema will be used)")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout for connecting to the database")
	flags.Bool(verboseMigrationFlag, false, "enable verbose migration logs")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func runMigration(cmd *cobra.Command, _ []string) error {
	return sqlite.RunMigrations(cmd.Context(), sqlite.MigrationConfig{
		URI:           viper.GetString(datastoreURIFlag),
		TargetVersion: viper.GetInt64(versionFlag),
		Timeout:       viper.GetDuration(timeoutFlag),
		Verbose:       viper.GetBool(verboseMigrationFlag),
	})
}
