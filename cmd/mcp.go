package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/api"
	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start ctxcache as an MCP server",
	Long: `Starts ctxcache as a Model Context Protocol (MCP) server so AI
assistants can read and write their context cache directly.

Transports:
  stdio (default) - For local desktop apps (Claude Desktop, Cursor)
  http            - Streamable HTTP for remote deployments

Tools exposed:
  cache_get, cache_set, cache_delete, cache_search, cache_clear,
  cache_stats, cache_performance, cache_clear_stats,
  predictive_predict, semantic_similar, vector_select_context,
  global_search_knowledge, diary_get_session_memories,
  diary_generate_insights

Resources exposed:
  ctxcache://system-prompt - How assistants should use the cache
  ctxcache://config        - Enabled layers and fallback chain

Example:
  # Local stdio server
  ctxcache mcp

  # Remote HTTP server
  ctxcache mcp --transport http --port 8081

Configure in Claude Desktop (claude_desktop_config.json):
  {
    "mcpServers": {
      "ctxcache": {
        "command": "ctxcache",
        "args": ["mcp"]
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	// Transport settings
	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "0.0.0.0", "HTTP server host (for http transport)")
}

// MCPServer exposes cache operations as MCP tools.
type MCPServer struct {
	svc    *api.Service
	engine *engine.Engine
	log    *zap.Logger
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()
	e.Start(ctx)

	m := &MCPServer{svc: api.New(e.Router), engine: e, log: e.Log().Named("mcp")}
	s := m.newServer()

	switch transport {
	case "stdio":
		m.log.Info("mcp server listening on stdio")
		if err := server.ServeStdio(s); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Fprintf(os.Stderr, "ctxcache MCP server starting on http://%s\n", addr)
		fmt.Fprintf(os.Stderr, "  Endpoint: http://%s/mcp\n", addr)
		fmt.Fprintf(os.Stderr, "  Health:   http://%s/health\n", addr)

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"ctxcache-mcp"}`))
		})
		mux.Handle("/mcp", server.NewStreamableHTTPServer(s, server.WithStateful(true)))
		mux.Handle("/metrics", e.Metrics.Handler())

		httpServer := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  e.Config.Server.ReadTimeout,
			WriteTimeout: e.Config.Server.WriteTimeout,
		}
		return serveUntilDone(ctx, httpServer, e.Config.Server.ShutdownTimeout, m.log)
	}

	return nil
}

func (m *MCPServer) newServer() *server.MCPServer {
	s := server.NewMCPServer(
		"ctxcache",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
		server.WithRecovery(),
	)
	m.registerTools(s)
	m.registerResources(s)
	return s
}

func layerArg(desc string) mcp.ToolOption {
	return mcp.WithString("layer",
		mcp.Description(desc),
		mcp.Enum("predictive", "semantic", "vector", "global", "diary"),
	)
}

func embeddingArg() mcp.ToolOption {
	return mcp.WithArray("embedding",
		mcp.Description("Query embedding. Skips embedding the text when given."),
		mcp.Items(map[string]any{"type": "number"}),
	)
}

// tools returns every tool definition keyed by operation name.
func tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(api.OpGet,
			mcp.WithDescription(`Look up a cached value by exact key or natural-language query.

Walks the fallback chain (predictive → semantic → vector → global → diary by
default) and returns the first hit. Similarity layers match the query against
stored embeddings above their threshold. A miss returns found=false.`),
			mcp.WithString("key", mcp.Required(), mcp.Description("Exact key or query text")),
			layerArg("Only consult this layer"),
			embeddingArg(),
			mcp.WithNumber("min_similarity", mcp.Description("Override the layer threshold for similarity matches")),
			mcp.WithNumber("timeout_ms", mcp.Description("Per-call deadline in milliseconds")),
		),
		mcp.NewTool(api.OpSet,
			mcp.WithDescription(`Store a value in the cache.

Without a layer the payload shape picks one: session_id → diary; an embedding
or text with intent=context → vector, intent=knowledge → global, otherwise
semantic; plain key/value → predictive.`),
			mcp.WithString("key", mcp.Description("Entry key, unique within its layer. Derived from text when omitted")),
			mcp.WithAny("value", mcp.Description("Any JSON value")),
			layerArg("Write to this layer instead of routing by payload"),
			mcp.WithString("intent", mcp.Enum("reuse", "context", "knowledge")),
			mcp.WithNumber("ttl_seconds", mcp.Description("Seconds until expiry. 0 never expires; omit for the layer default")),
			mcp.WithObject("metadata", mcp.Description("Free-form metadata, filterable on search")),
			embeddingArg(),
			mcp.WithString("text", mcp.Description("Text to embed when no embedding is given")),
			mcp.WithString("session_id", mcp.Description("Diary session")),
			mcp.WithNumber("importance", mcp.Description("Diary importance in [0, 1]")),
			mcp.WithString("context_type", mcp.Description("Diary memory category")),
			mcp.WithNumber("timeout_ms", mcp.Description("Per-call deadline in milliseconds")),
		),
		mcp.NewTool(api.OpDelete,
			mcp.WithDescription("Delete a key from one layer, or from every enabled layer."),
			mcp.WithString("key", mcp.Required()),
			layerArg("Only delete from this layer"),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpSearch,
			mcp.WithDescription(`Rank cached entries by similarity to a query.

With cross_layer=true every similarity layer is searched and results are merged.`),
			mcp.WithString("query", mcp.Description("Query text (embedded with the configured provider)")),
			embeddingArg(),
			layerArg("Only search this layer"),
			mcp.WithBoolean("cross_layer", mcp.Description("Search every similarity layer and merge")),
			mcp.WithNumber("n_results", mcp.Description("Maximum results (default: 5)")),
			mcp.WithNumber("min_similarity", mcp.Description("Minimum cosine similarity")),
			mcp.WithObject("filter", mcp.Description("Metadata equality filter")),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpStats,
			mcp.WithDescription("Per-layer storage statistics and hit/miss counters."),
		),
		mcp.NewTool(api.OpClear,
			mcp.WithDescription("Remove every entry from one layer, or from all enabled layers."),
			layerArg("Only clear this layer"),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpPerformance,
			mcp.WithDescription("Hit rates, latency and eviction counters since start or the last stats reset."),
		),
		mcp.NewTool(api.OpClearStats,
			mcp.WithDescription("Reset the hit/miss/latency counters. Cached entries are kept."),
		),
		mcp.NewTool(api.OpPredict,
			mcp.WithDescription(`Predict which keys are likely to be requested next.

Ranks candidates from observed access sequences, not embeddings.`),
			mcp.WithString("context", mcp.Required(), mcp.Description("The most recently accessed key")),
			mcp.WithNumber("n_predictions", mcp.Description("Maximum predictions (default: 5)")),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpSemanticSimilar,
			mcp.WithDescription("Find previously answered queries similar to this one, for answer reuse."),
			mcp.WithString("query"),
			embeddingArg(),
			mcp.WithNumber("n_results"),
			mcp.WithNumber("min_similarity", mcp.Description("Default: the semantic layer threshold (0.85)")),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpSelectContext,
			mcp.WithDescription(`Select relevant but diverse context snippets for a prompt.

Uses maximal marginal relevance over the vector layer.`),
			mcp.WithString("query"),
			embeddingArg(),
			mcp.WithNumber("n_context", mcp.Description("Snippets to select (default: 5)")),
			mcp.WithNumber("min_similarity"),
			mcp.WithNumber("lambda", mcp.Description("1.0 pure relevance, 0.0 pure diversity")),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpSearchKnowledge,
			mcp.WithDescription("Search long-lived shared knowledge, weighted by stored confidence."),
			mcp.WithString("query"),
			embeddingArg(),
			mcp.WithNumber("n_results"),
			mcp.WithNumber("min_relevance"),
			mcp.WithObject("filter", mcp.Description("Metadata equality filter")),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpSessionMemories,
			mcp.WithDescription("Recall a session's memories, strongest recall first."),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("context_type", mcp.Description("Only this category")),
			mcp.WithNumber("limit"),
			mcp.WithNumber("timeout_ms"),
		),
		mcp.NewTool(api.OpInsights,
			mcp.WithDescription("Summarise diary memories: categories, tags and the most important entries."),
			mcp.WithString("session_id", mcp.Description("Only this session")),
			mcp.WithString("category", mcp.Description("Only this context type")),
			mcp.WithNumber("timeout_ms"),
		),
	}
}

func (m *MCPServer) registerTools(s *server.MCPServer) {
	for _, t := range tools() {
		s.AddTool(t, m.handler(t.Name))
	}
}

// handler dispatches a tool call to the operation of the same name.
func (m *MCPServer) handler(op string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		out, err := m.svc.Call(ctx, op, args)
		if err != nil {
			m.log.Debug("tool call failed", zap.String("tool", op), zap.Error(err))
			return toolError(err), nil
		}

		resultJSON, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(resultJSON)), nil
	}
}

// toolError carries the error kind so agents can tell retryable failures
// from bad input.
func toolError(err error) *mcp.CallToolResult {
	body, _ := json.Marshal(api.NewErrorBody(err))
	return mcp.NewToolResultError(string(body))
}

const systemPromptContent = `You have access to ctxcache, a multi-layer cache for your context.

Before recomputing an answer or re-fetching context:
1. Call cache_get with the question or key. A hit returns the stored value.
2. For context assembly, call vector_select_context to get diverse snippets.
3. For durable facts, call global_search_knowledge.
4. For what happened earlier in this session, call diary_get_session_memories.

After producing something worth reusing, call cache_set. Include text or an
embedding so it can be found by similarity later, and a session_id for
session memories.

Errors carry a kind: validation_error and dimension_mismatch mean the request
must change; storage_unavailable and timeout may succeed on retry.`

func (m *MCPServer) registerResources(s *server.MCPServer) {
	systemPrompt := mcp.NewResource(
		"ctxcache://system-prompt",
		"ctxcache System Prompt",
		mcp.WithResourceDescription("How assistants should use the cache tools"),
		mcp.WithMIMEType("text/plain"),
	)
	s.AddResource(systemPrompt, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "ctxcache://system-prompt",
				MIMEType: "text/plain",
				Text:     systemPromptContent,
			},
		}, nil
	})

	configResource := mcp.NewResource(
		"ctxcache://config",
		"ctxcache Configuration",
		mcp.WithResourceDescription("Enabled layers, thresholds and the fallback chain"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(configResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		layers := make(map[string]any)
		for _, l := range m.engine.Router.Layers() {
			layers[l.Name()] = map[string]any{
				"capabilities": l.Capabilities(),
				"threshold":    l.Threshold(),
			}
		}
		cfg := map[string]any{
			"layers":              layers,
			"fallback_chain":      m.engine.Router.Chain(),
			"embedder_configured": m.engine.Embedder != nil,
		}
		configJSON, _ := json.MarshalIndent(cfg, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "ctxcache://config",
				MIMEType: "application/json",
				Text:     string(configJSON),
			},
		}, nil
	})
}
