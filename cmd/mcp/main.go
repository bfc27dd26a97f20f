// Spammer MCP server.
// Exposes the spammer run API as tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/blockspammer/internal/mcp"
)

func main() {
	apiURL := os.Getenv("SPAMMER_URL")
	if apiURL == "" {
		apiURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"blockspammer",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(apiURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
