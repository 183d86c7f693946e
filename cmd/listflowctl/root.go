package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/app"
	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/internal/observability"
)

type commandContext struct {
	configFlag *string
	actorFlag  *string
	jsonFlag   *bool
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newRootCommand() *cobra.Command {
	var configFlag, actorFlag string
	var jsonFlag, verbose bool

	ctx := &commandContext{
		configFlag: &configFlag,
		actorFlag:  &actorFlag,
		jsonFlag:   &jsonFlag,
		verbose:    &verbose,
	}

	rootCmd := &cobra.Command{
		Use:           "listflowctl",
		Short:         "Operate the listing workflow from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "as", "", "User ID to act as")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newUserCommand(ctx))
	rootCmd.AddCommand(newIntakeCommand(ctx))
	rootCmd.AddCommand(newNextCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newAdvanceCommand(ctx))
	rootCmd.AddCommand(newRejectCommand(ctx))
	rootCmd.AddCommand(newSendBackCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))

	return rootCmd
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *zap.Logger {
	if !*c.verbose {
		return zap.NewNop()
	}
	l, err := observability.NewLogger(config.ObservabilityConfig{
		LogLevel:  "debug",
		LogFormat: observability.LogFormatConsole,
	})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// withComponents builds the engine for one command and releases it after.
// The CLI never starts the async dispatcher: every advance runs inline.
func (c *commandContext) withComponents(cmd *cobra.Command, mutate func(*config.Config), fn func(*app.Components) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if mutate != nil {
		copied := *cfg
		mutate(&copied)
		cfg = &copied
	}

	logger := c.logger()
	defer func() { _ = logger.Sync() }()

	components, err := app.Build(cmd.Context(), cfg, logger, app.Options{DisableAsync: true})
	if err != nil {
		return err
	}
	defer components.Close()
	return fn(components)
}

func (c *commandContext) actor() (string, error) {
	id := strings.TrimSpace(*c.actorFlag)
	if id == "" {
		return "", errActorRequired
	}
	return id, nil
}
