package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/podchat/internal/cli/config"
	"github.com/antonkrylov/podchat/internal/logging"
)

var version = "dev"

type rootOptions struct {
	configPath  string
	profileName string
	verbose     bool
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "podchat",
		Short: "Chat with open models on rented GPU instances",
		Long: "podchat rents a GPU instance, deploys an inference server for the\n" +
			"requested model, and opens a chat session with encrypted local history.\n" +
			"When the session ends the instance is wiped and terminated.",
	}
	defaultConfig := cliconfig.DefaultConfigPath()
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to podchat config file (default $HOME/.podchat/config)")
	rootCmd.PersistentFlags().StringVar(&opts.profileName, "profile", "", "profile name within the config (overrides currentProfile)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug detail to stderr")
	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		verbose := opts.verbose || cliconfig.FromEnv().Verbose
		logging.Setup(logging.ModeCLI, os.Stderr, verbose)
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newGpusCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the podchat version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("podchat " + version)
		},
	}
}
