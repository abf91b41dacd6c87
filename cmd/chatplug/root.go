// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the ChatPlug CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatplug",
		Short: "ChatPlug - an out-of-process plugin runtime for chat bots",
		Long: `ChatPlug hosts chat-bot plugins as separate processes and routes
events, tool calls, and commands between them and the owning application.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewRuntimeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
