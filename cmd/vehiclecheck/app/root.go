package app

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli carries state shared between the root command and its subcommands
type cli struct {
	opts   *Options
	logger *zap.Logger
}

// NewRootCommand builds the vehiclecheck command tree
func NewRootCommand() *cobra.Command {
	c := &cli{opts: NewOptions()}

	cmd := &cobra.Command{
		Use:   "vehiclecheck",
		Short: "Mirror DVLA vehicle data and reminder dates into Home Assistant",
		Long: "vehiclecheck polls the DVLA Vehicle Enquiry API for each configured vehicle, " +
			"exposes the returned attributes over HTTP and MQTT, and adds tax-due and " +
			"MOT-expiry reminders to Home Assistant calendars without duplicating them.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	c.opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newRunCommand(c),
		newLookupCommand(c),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	envErr := godotenv.Load(c.opts.EnvFile)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", c.opts.EnvFile, envErr)
	}

	v := newViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	c.opts.Complete(v)

	logger, err := c.opts.NewLogger()
	if err != nil {
		return err
	}
	c.logger = logger

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables", zap.String("path", c.opts.EnvFile))
	}
	return nil
}
