package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/cdprelay/pkg/util"
)

var Version = "dev"

var Commit = "none"

var Date = "unknown"
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "cdprelay",
	Short:   "cdprelay: remote Chrome DevTools Protocol relay for instrumented pages",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return util.InitLogging(util.LogConfig{
			Level:      viper.GetString("log.level"),
			File:       viper.GetString("log.file"),
			MaxSizeMB:  viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
		})
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file, rotated")
	rootCmd.PersistentFlags().Int("log-max-size", 100, "size in MB at which the log file is rotated")
	rootCmd.PersistentFlags().Int("log-max-backups", 3, "rotated log files to keep")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("log.max_size_mb", rootCmd.PersistentFlags().Lookup("log-max-size"))
	_ = viper.BindPFlag("log.max_backups", rootCmd.PersistentFlags().Lookup("log-max-backups"))

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("CDPRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cdprelay")
		viper.AddConfigPath(".")
		if home, _ := os.UserHomeDir(); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".cdprelay"))
		}
		viper.AddConfigPath("/etc/cdprelay")
	}
	_ = viper.ReadInConfig()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
