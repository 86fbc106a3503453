package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the MCP proxy.
func buildServeCmd() *cobra.Command {
	var (
		mode         string
		upstream     string
		artifactPath string
		httpPort     int
		debugMode    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP record/replay proxy",
		Long: `Start the MCP proxy. In record mode requests are forwarded to the upstream
MCP server and every tool call is captured; on shutdown the session is
sealed into an artifact. In replay mode requests are answered from a
previously recorded artifact without contacting any upstream.

The proxy serves JSON-RPC on POST / and POST /mcp, session counters on
GET /stats and liveness on GET /health. Dependency health (Mongo, Redis,
the remote artifact service) is reported on GET /healthz.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Record against a local MCP server
  kurral serve --mode record --upstream http://localhost:3000

  # Replay a recorded session
  kurral serve --mode replay --artifact session.kurral

  # Replay with debug logs and pprof endpoints
  kurral serve --mode replay --artifact session.kurral --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), mode, upstream, artifactPath, httpPort, debugMode)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Proxy mode: record or replay (defaults to the configured mode)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Upstream MCP server URL (required in record mode)")
	cmd.Flags().StringVar(&artifactPath, "artifact", "", "Artifact file with recorded calls for replay mode")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP listen port (defaults to the configured port)")
	cmd.Flags().BoolVarP(&debugMode, "debug", "d", false, "Enable debug logging and debug endpoints")

	return cmd
}
