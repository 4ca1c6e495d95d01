// Package main provides the CLI entry point for the campuslink node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &clientOptions{}

	root := &cobra.Command{
		Use:   "campuslink",
		Short: "campuslink - local-network friend exchange",
		Long: `campuslink finds classmates on the same network, sends and answers
friend requests, and swaps profiles (name, registration, hobbies,
quotes and timetable) over an encrypted peer-to-peer connection.

Start a node with "campuslink run"; the other commands talk to the
running node through its local API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.apiAddress, "api", "", "API address of the running node (overrides config)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "API token (overrides config and $CAMPUSLINK_TOKEN)")

	root.AddCommand(initCmd(opts))
	root.AddCommand(runCmd(opts))
	root.AddCommand(idCmd(opts))
	root.AddCommand(ticketCmd(opts))
	root.AddCommand(peersCmd(opts))
	root.AddCommand(requestsCmd(opts))
	root.AddCommand(sendCmd(opts))
	root.AddCommand(acceptCmd(opts))
	root.AddCommand(rejectCmd(opts))
	root.AddCommand(discoverCmd(opts))
	root.AddCommand(profileCmd(opts))
	root.AddCommand(eventsCmd(opts))
	root.AddCommand(tokenHashCmd())
	root.AddCommand(versionCmd())

	return root
}
