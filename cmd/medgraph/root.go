package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/medgraph/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "medgraph",
		Short: "Multi-agent symptom diagnosis service",
		Long: `medgraph runs an interactive diagnostic workflow: ML predictions are
refined by LLM agents that ask follow-up questions, explain, validate and
score each candidate disease.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = cfg.Logging.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("MEDGRAPH_CONFIG"),
		"path to a YAML config file")

	root.AddCommand(
		c.serveCmd(),
		c.diagnoseCmd(),
		c.sessionsCmd(),
		c.validateCmd(),
	)
	return root
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check the configuration and report every problem found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issues := c.cfg.Validate()
			out := cmd.OutOrStdout()
			if len(issues) == 0 {
				fmt.Fprintln(out, "configuration OK")
				return nil
			}
			for _, issue := range issues {
				fmt.Fprintln(out, "-", issue)
			}
			return fmt.Errorf("%d configuration issue(s)", len(issues))
		},
	}
}
