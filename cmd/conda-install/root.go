package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trexfeathers/conda-rpms/pkg/cache"
	"github.com/trexfeathers/conda-rpms/pkg/config"
	"github.com/trexfeathers/conda-rpms/pkg/linker"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// Version information set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var (
		verbosity  int
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "conda-install",
		Short: "Link and unlink extracted packages in environment prefixes",
		Long: `conda-install maintains environment prefixes from a shared package
cache: it extracts downloaded archives, links their files into a prefix
(hard-link, soft-link or copy), rewrites embedded build prefixes, runs
package hooks and tracks what is installed in the prefix's metadata
directory.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("no command specified")
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default: conda-rpms.toml in cwd or XDG config dir)")

	rootCmd.AddCommand(newListCmd(&configPath))
	rootCmd.AddCommand(newExtractCmd(&configPath))
	rootCmd.AddCommand(newLinkCmd(&configPath))
	rootCmd.AddCommand(newUnlinkCmd(&configPath))
	rootCmd.AddCommand(newLinkAllCmd(&configPath))
	rootCmd.AddCommand(newGenConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newEngine builds the linking engine from the effective configuration.
func newEngine(configPath string) (*linker.Linker, *cache.Cache, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	locker := cfg.Locker()
	c := cache.New(cfg.CacheDir, locker)
	return linker.New(cfg, c, locker, nil), c, nil
}
