package main

import (
	"fmt"
	"os"

	"github.com/dkeye/Meet/internal/adapters/auth"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFlag string

var rootCmd = &cobra.Command{
	Use:     "meet",
	Short:   "Video conferencing signaling server",
	Long:    `meet runs the signaling and room orchestration side of a video conference. Clients join rooms over a WebSocket, media is handled by a pool of WebRTC workers.`,
	Version: version,
	RunE:    runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the signaling server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for a static auth user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "", "config environment, loads config/config.<env>.yaml (default $CONFIG_ENV or dev)")
	rootCmd.AddCommand(serveCmd, versionCmd, hashCmd)
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("meet exited")
		os.Exit(1)
	}
}
