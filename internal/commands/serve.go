package commands

import (
	"context"

	"github.com/spf13/cobra"

	"evalgo.org/lares/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the MCP server on the configured transports.

By default the streamable HTTP transport (with the WebSocket endpoint)
listens on 127.0.0.1:8420 in stateless mode. --stdio runs the line-delimited
stdio transport instead, for clients that spawn the server as a child
process; combine with --http=false to keep stdout exclusive.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("stdio", false, "serve MCP over stdin/stdout")
	serveCmd.Flags().Bool("http", true, "serve MCP over streamable HTTP")
	serveCmd.Flags().String("host", "", "HTTP bind address")
	serveCmd.Flags().Int("port", 0, "HTTP listen port")
	serveCmd.Flags().Bool("stateless", true, "treat every HTTP request as its own initialized session")

	// The root command doubles as serve.
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.HTTP.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.HTTP.Port = port
	}
	if stdio, _ := cmd.Flags().GetBool("stdio"); stdio {
		cfg.Stdio.Enabled = true
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTP.Enabled, _ = cmd.Flags().GetBool("http")
	}
	if cmd.Flags().Changed("stateless") {
		cfg.HTTP.Stateless, _ = cmd.Flags().GetBool("stateless")
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	if err := srv.Run(context.Background()); err != nil {
		return transportErr(err)
	}
	return nil
}
