package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trexfeathers/conda-rpms/pkg/config"
	"github.com/trexfeathers/conda-rpms/pkg/dist"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/linker"
)

func parseLinkType(s string) (linker.LinkType, error) {
	switch s {
	case "hard":
		return linker.LinkHard, nil
	case "soft":
		return linker.LinkSoft, nil
	case "copy":
		return linker.LinkCopy, nil
	default:
		return 0, errors.Newf(errors.ErrInvalidInput,
			"unknown link type %q (want hard, soft or copy)", s)
	}
}

func newListCmd(configPath *string) *cobra.Command {
	var (
		prefix        string
		showFetched   bool
		showExtracted bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List linked distributions in a prefix, or the cache contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, c, err := newEngine(*configPath)
			if err != nil {
				return err
			}

			var names []string
			switch {
			case showFetched:
				names = c.Fetched()
			case showExtracted:
				names = c.Extracted()
			default:
				names = engine.Linked(prefix)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Environment prefix to inspect")
	cmd.Flags().BoolVar(&showFetched, "fetched", false, "List fetched archives in the cache")
	cmd.Flags().BoolVar(&showExtracted, "extracted", false, "List extracted distributions in the cache")
	cmd.MarkFlagsMutuallyExclusive("fetched", "extracted")

	return cmd
}

func newExtractCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "extract DIST...",
		Short: "Unpack fetched archives in the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			for _, arg := range args {
				name := dist.TrimArchiveExt(arg)
				if err := c.Extract(name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "extracted %s\n", name)
			}
			return nil
		},
	}
}

func newLinkCmd(configPath *string) *cobra.Command {
	var (
		prefix       string
		targetPrefix string
		linkType     string
	)

	cmd := &cobra.Command{
		Use:   "link DIST...",
		Short: "Link extracted distributions into a prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lt, err := parseLinkType(linkType)
			if err != nil {
				return err
			}
			engine, _, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			for _, arg := range args {
				if err := engine.Link(prefix, dist.TrimArchiveExt(arg), lt, targetPrefix); err != nil {
					return err
				}
			}
			printMessages(cmd, prefix)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Environment prefix to link into")
	cmd.Flags().StringVar(&targetPrefix, "target-prefix", "",
		"Prefix to embed during relocation when staging an image of another root")
	cmd.Flags().StringVarP(&linkType, "link-type", "t", "hard", "Placement method: hard, soft or copy")
	_ = cmd.MarkFlagRequired("prefix")

	return cmd
}

func newUnlinkCmd(configPath *string) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "unlink DIST...",
		Short: "Remove linked distributions from a prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			for _, arg := range args {
				if err := engine.Unlink(prefix, dist.TrimArchiveExt(arg)); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Environment prefix to unlink from")
	_ = cmd.MarkFlagRequired("prefix")

	return cmd
}

func newLinkAllCmd(configPath *string) *cobra.Command {
	var (
		prefix       string
		targetPrefix string
	)

	cmd := &cobra.Command{
		Use:   "link-all",
		Short: "Link every extracted distribution into a prefix",
		Long: `Link every extracted distribution in the cache into a prefix, probing
hard-link capability once and committing to a single placement method
for the whole batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			lt, err := engine.LinkAll(prefix, targetPrefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked all via %s\n", lt)
			printMessages(cmd, prefix)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Environment prefix to link into")
	cmd.Flags().StringVar(&targetPrefix, "target-prefix", "",
		"Prefix to embed during relocation when staging an image of another root")
	_ = cmd.MarkFlagRequired("prefix")

	return cmd
}

// printMessages surfaces whatever post-link scripts left behind.
func printMessages(cmd *cobra.Command, prefix string) {
	if msgs := linker.Messages(prefix); msgs != "" {
		fmt.Fprint(cmd.OutOrStdout(), msgs)
	}
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config",
		Short: "Print a template config file with all defaults commented out",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := config.GenerateConfigContent()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), content)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conda-install version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
		},
	}
}
