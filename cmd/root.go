package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/withobsrvr/searchsync/internal/config"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	output    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "searchsync",
	Short: "Keep a search index in sync with a MongoDB collection",
	Long: `searchsync replicates a MongoDB collection into a full-text search index.
It copies every existing document once, then follows the collection's change
stream and applies inserts, updates, replacements and deletes as they happen.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/searchsync/searchsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log encoding (console|json)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table|yaml|json)")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home + "/.config/searchsync")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("searchsync")
	}

	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix("SEARCHSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := config.BindEnv(viper.GetViper()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	readErr := viper.ReadInConfig()

	if err := logger.Init(viper.GetString("log_level"), viper.GetString("log_format")); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if readErr == nil {
		logger.Info("Using config file", zap.String("file", viper.ConfigFileUsed()))
	} else if cfgFile != "" {
		logger.Warn("Failed to read config file", zap.String("file", cfgFile), zap.Error(readErr))
	}
}

// loadConfig decodes the effective configuration and validates it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfg.ResolvePaths(filepath.Dir(used))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
