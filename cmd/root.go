package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streamvision",
	Short: "streamvision - batching inference core for a streaming video-analytics pipeline",
	Long: `streamvision turns a stream of decoded video frames into batched
neural-network inference jobs, dispatches them on an accelerator, and
delivers per-frame structured results back into the pipeline in the
original order.

Features:
  - Double-buffered resource ticketing with fair FIFO queueing
  - Batching with a bounded-latency timeout
  - Future-based task chaining (pre-process -> infer -> post-process)
  - Optional feature-store sink and cross-frame duplicate-object suppression

Environment Variables:
  OPENAI_API_KEY      For object feature-attribute embedding
  PINECONE_API_KEY    For the Pinecone feature-store backend
  QDRANT_URL          For the Qdrant feature-store backend`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Disable the default cobra completion command to avoid duplicate name conflict.
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is streamvision.yaml in $HOME or the current directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
// Config loading priority: CLI flags > environment variables > config file > defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("streamvision")
	}

	// Read environment variables with STREAMVISION_ prefix
	viper.SetEnvPrefix("STREAMVISION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Also check for well-known provider env vars without prefix
	_ = viper.BindEnv("pinecone_api_key", "PINECONE_API_KEY")
	_ = viper.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("qdrant_url", "QDRANT_URL")

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
