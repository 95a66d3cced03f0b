package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/imagebatch/internal/config"
	cfgcmd "github.com/Iron-Ham/imagebatch/internal/cmd/config"
)

var rootCmd = &cobra.Command{
	Use:   "imagebatch",
	Short: "Batch image generation for narrative entities",
	Long: `imagebatch plans image generation tasks for characters, locations and
chapters, submits them to a remote batch service as JSONL request files,
tracks the resulting jobs durably across restarts, and writes the
generated images back into the content tree.

Every run lives in its own directory under batch.artifact_dir and can be
resumed from whatever phase it stopped in.`,
	SilenceUsage: true,
}

// Execute runs the root command. Interrupts cancel the command's context
// so a run stops between steps with its state saved.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/imagebatch/config.yaml)")
	rootCmd.PersistentFlags().String("artifact-dir", "", "directory holding one subdirectory per run")
	rootCmd.PersistentFlags().String("log-level", "", "run log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("batch.artifact_dir", rootCmd.PersistentFlags().Lookup("artifact-dir"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	cfgcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("IMAGEBATCH")
	// IMAGEBATCH_REMOTE_API_KEY for remote.api_key
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
