package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/logger"
	"github.com/yairfalse/vahti/internal/output"
	"github.com/yairfalse/vahti/pkg/config"
)

// cli carries the state shared by every command of one invocation
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
}

// NewRootCommand builds the vahti command tree
func NewRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	defaults := config.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "vahti",
		Short: "Drift detection and remediation for container environments",
		Long: `vahti compares the live state of a container environment with its
declared state, reports drift and repairs it.

Drift at or below the auto-approve threshold is remediated automatically;
anything more severe waits for an operator to approve or reject it.

EXAMPLES:
  vahti check                  # Compare once, exit 1 on drift
  vahti check --react          # Compare once and remediate or request approval
  vahti monitor start          # Keep checking on the configured interval
  vahti approvals              # List pending approval requests
  vahti approve <id>           # Approve and run a remediation`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				runVersion(cmd, nil)
				return nil
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" || cmd == cmd.Root() {
				return nil
			}
			return c.initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is ./vahti.yaml or $HOME/.vahti/vahti.yaml)")
	flags.StringP("env", "e", defaults.Environment, "environment to operate on")
	flags.String("log-level", defaults.Logging.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Logging.Format, "log format (text, json)")
	flags.StringP("output", "o", defaults.Output.Format, "output format (table, json, yaml, diff)")
	flags.Bool("no-color", false, "disable colored output")
	flags.String("storage-dir", defaults.Storage.BaseDir, "directory for reports, approvals and monitor markers")
	rootCmd.Flags().Bool("version", false, "show version information")

	// Flag defaults mirror DefaultConfig so an unset flag never masks the
	// config file
	_ = c.v.BindPFlag("environment", flags.Lookup("env"))
	_ = c.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("output.format", flags.Lookup("output"))
	_ = c.v.BindPFlag("output.no_color", flags.Lookup("no-color"))
	_ = c.v.BindPFlag("storage.base_dir", flags.Lookup("storage-dir"))

	rootCmd.AddCommand(newCheckCommand(c))
	rootCmd.AddCommand(newMonitorCommand(c))
	rootCmd.AddCommand(newApproveCommand(c))
	rootCmd.AddCommand(newRejectCommand(c))
	rootCmd.AddCommand(newListApprovalsCommand(c))
	rootCmd.AddCommand(newCancelCommand(c))
	rootCmd.AddCommand(newSweepCommand(c))
	rootCmd.AddCommand(newReportsCommand(c))
	rootCmd.AddCommand(newRemediationCommand(c))
	rootCmd.AddCommand(newRollbackCommand(c))
	rootCmd.AddCommand(newExplainCommand(c))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// Execute runs the command tree and returns the process exit code
func Execute() int {
	return run(NewRootCommand())
}

func run(rootCmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	// Drift is a result, not a failure; the report was already printed
	if err != nil && !vahtierrors.IsType(err, vahtierrors.ErrorTypeDriftDetected) {
		vahtierrors.DisplayErrorTo(rootCmd.ErrOrStderr(), err)
	}
	return vahtierrors.ExitCode(err)
}

// initConfig loads and validates configuration, then builds the logger
func (c *cli) initConfig(cmd *cobra.Command) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	}

	cfg, err := config.LoadFrom(c.v)
	if err != nil {
		return vahtierrors.ConfigurationError(err.Error()).
			WithSolutions("Check the syntax of your vahti.yaml")
	}
	if err := cfg.Validate(); err != nil {
		return vahtierrors.ConfigurationError("invalid configuration: " + err.Error())
	}

	// The error display reads this from the global viper
	viper.Set("output.no_color", cfg.Output.NoColor)

	log, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return vahtierrors.ConfigurationError(err.Error())
	}

	c.cfg = cfg
	c.log = log
	return nil
}

// printer builds an output printer for cmd's stdout
func (c *cli) printer(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(c.cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	out := cmd.OutOrStdout()
	return output.NewPrinter(out, format, output.ColorEnabled(out, c.cfg.Output.NoColor)), nil
}
