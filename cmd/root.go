package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"feathergate/internal/config"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
}

func (o *globalOptions) load() (config.Config, error) {
	return config.Load(o.configPath, config.LoadOptions{EnvFile: o.envFile})
}

// NewRootCmd builds the feathergate command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "feathergate",
		Short:         "OpenAI-compatible gateway for OpenAI, Anthropic and Gemini models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Dotenv file to load before the configuration (default: .env next to the config)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newModelsCmd(opts))
	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
