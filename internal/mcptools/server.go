package mcptools

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/engine"
)

// Server exposes engine operations as MCP tools so agent frameworks can
// drive simulated devices without linking against the runtime.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
	server *mcp.Server
}

// tool pairs a schema with its handler. Handlers return a value that is
// JSON-encoded into the tool result.
type tool struct {
	name   string
	desc   string
	schema json.RawMessage
	run    func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewServer(e *engine.Engine, cfg config.MCPConfig, logger *slog.Logger) *Server {
	s := &Server{
		engine: e,
		log:    logger.With(slog.String("component", "mcp")),
	}
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)
	for _, t := range s.tools() {
		srv.AddTool(&mcp.Tool{
			Name:        t.name,
			Description: t.desc,
			InputSchema: t.schema,
		}, s.adapt(t.name, t.run))
	}
	s.server = srv
	return s
}

// ServeStdio speaks MCP over stdin/stdout. Blocks until ctx is cancelled or
// the peer closes the stream.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout})
}

// Run serves MCP over an explicit transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) adapt(name string, run func(context.Context, json.RawMessage) (any, error)) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.Params.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out, err := run(ctx, args)
		if err != nil {
			s.log.Warn("tool call failed",
				slog.String("tool", name),
				slog.String("error", err.Error()))
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}
		text, err := json.Marshal(out)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		}, nil
	}
}
