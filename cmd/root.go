package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/scrubcat/cmd/scrub"
	"github.com/endorses/scrubcat/internal/pkg/cmdutil"
	"github.com/endorses/scrubcat/internal/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "scrubcat",
	Short: "scrubcat normalizes captured traffic",
	Long: `scrubcat reassembles IP fragments and normalizes IPv4, IPv6, TCP and
SCTP headers in packet captures, dropping what a firewall scrub would drop.`,
	Version:           buildVersion(),
	SilenceUsage:      true,
	PersistentPreRunE: configureLogging,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(scrub.ScrubCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.scrubcat.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or text")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home + "/.config/scrubcat")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".scrubcat")
	}

	viper.SetEnvPrefix("scrubcat")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	cmdutil.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func configureLogging(cmd *cobra.Command, args []string) error {
	return logger.Configure(viper.GetString("log.level"), viper.GetString("log.format"), cmd.ErrOrStderr())
}
