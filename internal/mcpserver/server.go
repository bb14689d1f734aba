package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all karmaguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("karmaguard", "1.0.0")
	h := NewHandlers(NewKarmaguardClient(cfg))

	s.AddTool(ToolAnalyzeKarmaLog, h.HandleAnalyzeKarmaLog)
	s.AddTool(ToolGetUserHistory, h.HandleGetUserHistory)
	s.AddTool(ToolGetServiceVersion, h.HandleGetServiceVersion)

	return s
}
