// Package commands implements the lares CLI. Exit codes: 0 success,
// 1 configuration error, 2 transport failure, 3 unexpected internal error.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalgo.org/lares/internal/config"
	"evalgo.org/lares/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
)

// Exit codes per the CLI contract.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitTransport = 2
	ExitInternal  = 3
)

// exitError carries a process exit code alongside the underlying error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func transportErr(err error) error { return &exitError{code: ExitTransport, err: err} }

var rootCmd = &cobra.Command{
	Use:   "lares",
	Short: "MCP server for homelab infrastructure automation",
	Long: `Lares is an MCP (Model Context Protocol) server that lets AI agents
manage homelab infrastructure: discover hosts over SSH, bootstrap a managed
admin user, keep a durable device inventory, install services from
templates, and drive terraform-based VM lifecycles.

Running lares without a subcommand starts the server.`,
	Version:      version.Version,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exit.err)
			return exit.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInternal
	}
	return ExitOK
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")

	// These should never fail as flags are defined above
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))   //nolint:errcheck
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format")) //nolint:errcheck

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateKeyCmd)
	rootCmd.AddCommand(validateTemplatesCmd)
	rootCmd.AddCommand(exportInventoryCmd)
	rootCmd.AddCommand(importInventoryCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(ExitConfig)
	}
	// The log flags live on the global viper; config.Load uses its own
	// instance, so apply them here.
	if level := viper.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := viper.GetString("logging.format"); format != "" {
		cfg.Logging.Format = format
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Println(info.String())

		if cmd.Flag("verbose").Changed {
			fmt.Printf("\nDetails:\n")
			fmt.Printf("  Version:    %s\n", info.Version)
			fmt.Printf("  Git Commit: %s\n", info.GitCommit)
			fmt.Printf("  Built:      %s\n", info.BuildTime)
			fmt.Printf("  Go Version: %s\n", info.GoVersion)
			fmt.Printf("  Platform:   %s\n", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "show detailed version information")
}
