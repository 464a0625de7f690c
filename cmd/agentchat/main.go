package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	verbose  bool
	userFlag string
	urlFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Chat with a research agent runtime from the terminal",
	Long: `agentchat talks to an agent runtime, either the local development server or a
hosted reasoning engine, and keeps a conversation timeline in sync with the
session events the runtime records.

Configuration is read from <user config dir>/agentchat/config.yaml:

  backend:
    url: http://localhost:8000
    appName: deep_research
  userId: alice

Quick Start:
  agentchat chat                 # resume the last session or start a new one
  agentchat sessions list        # list your sessions
  agentchat status               # check that the runtime answers`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path of the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "User id, overrides userId from the config")
	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", "", "Backend url, overrides backend.url from the config")

	rootCmd.AddCommand(chatCmd, sessionsCmd, statusCmd)
}
