// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	datastoreURIFlag = "datastore-uri"
	logFormatFlag    = "log-format"
	logLevelFlag     = "log-level"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with XPUCAT, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("XPUCAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/xpucat", "$HOME/.xpucat", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}
	_ = viper.ReadInConfig()

	cmd := &cobra.Command{
		Use:   "xpucat",
		Short: "Authoritative catalog of hardware access-control policy regions",
		Long: `xpucat maintains an authoritative catalog of MPU/XPU access-control policy
regions extracted from versioned policy documents, and answers structural and
address-based lookups against it.`,
	}

	flags := cmd.PersistentFlags()
	flags.String(datastoreURIFlag, "file:xpucat.db", "the SQLite connection uri for the region catalog")
	flags.String(logFormatFlag, "text", "the log format to output logs in (text, json)")
	flags.String(logLevelFlag, "info", "the log level to use (none, debug, info, warn, error)")
	bindFlags(flags)

	return cmd
}

// bindFlags binds a flag set into viper so every flag can also be supplied
// via environment or config file.
func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
}

func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		bindFlags(flags)
	}
}
