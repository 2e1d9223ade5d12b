package main

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}
	return viper.BindPFlags(cmd.Flags())
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               "flowctl",
		Short:             "Validate and simulate conversation flows",
		PersistentPreRunE: setupConfig,
		SilenceUsage:      true,
	}
	root.PersistentFlags().String("config-file", "", "Path to config file.")

	viper.SetEnvPrefix("FLOWCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newValidateCommand(os.Stdout))
	root.AddCommand(newSimulateCommand(os.Stdin, os.Stdout))
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
