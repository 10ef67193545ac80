package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/module"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start streamvision as an MCP server",
	Long: `Starts streamvision's inference core as a Model Context Protocol (MCP)
server, so an AI assistant or an external orchestrator can introspect the
batching core and close out channels without a full HTTP client. No tool
feeds regular frames.

Transports:
  stdio (default) - For local desktop apps (Claude Desktop, Cursor)
  http            - For remote/cloud deployments

Tools exposed:
  engine_status   - Per-channel engine counters (frames fed, batches committed, fatal errors)
  list_channels   - Currently open producer channels
  drain_channel    - Feed an end-of-stream frame to a channel, closing it out

Example:
  streamvision mcp
  streamvision mcp --transport http --port 8081`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "0.0.0.0", "HTTP server host (for http transport)")

	mcpCmd.Flags().String("model-path", "", "Offline model path")
	mcpCmd.Flags().String("func-name", "", "Model entry-point name")
	mcpCmd.Flags().String("postproc-name", "cpu_mean_intensity", "Registered post-processor name")
	mcpCmd.Flags().String("preproc-name", "cpu_identity", "Registered host pre-processor name")
	mcpCmd.Flags().Int("batch-size", 8, "Inference batch size")
	mcpCmd.Flags().Int("batching-timeout-ms", 3000, "Batch close timeout in milliseconds")
	mcpCmd.Flags().Float64("postproc-threshold", 0, "Post-processor detection score threshold [0,1]")
}

// mcpCore wraps the running Module the MCP tools operate on: one process,
// potentially many open channels, each with its own ProducerHandle.
type mcpCore struct {
	mod    *module.Module
	logger *zap.Logger

	mu        sync.Mutex
	producers map[int]*module.ProducerHandle
}

func newMCPCore(mod *module.Module, logger *zap.Logger) *mcpCore {
	return &mcpCore{mod: mod, logger: logger, producers: make(map[int]*module.ProducerHandle)}
}

// PostEvent implements module.Pipeline.
func (c *mcpCore) PostEvent(kind, msg string) {
	c.logger.Warn("pipeline event", zap.String("kind", kind), zap.String("message", msg))
}

// TransmitData implements module.Pipeline; results are read back via the
// engine_status tool rather than streamed, so this only logs at debug level.
func (c *mcpCore) TransmitData(f *frame.Frame) {
	c.logger.Debug("frame delivered", zap.Int("channel", f.ChannelIdx), zap.Int("objects", len(f.Objects)))
}

func (c *mcpCore) getProducer(channel int) (*module.ProducerHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.producers[channel]; ok {
		return h, nil
	}
	h, err := c.mod.OpenProducer()
	if err != nil {
		return nil, err
	}
	c.producers[channel] = h
	return h, nil
}

func (c *mcpCore) channelStats() map[int]engine.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]engine.Stats, len(c.producers))
	for ch, h := range c.producers {
		out[ch] = h.Stats()
	}
	return out
}

func (c *mcpCore) drain(channel int) error {
	h, err := c.getProducer(channel)
	if err != nil {
		return err
	}
	c.mod.Process(h, &frame.Frame{ChannelIdx: channel, Flags: frame.FlagEOS})
	c.mu.Lock()
	delete(c.producers, channel)
	c.mu.Unlock()
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	modelPath, _ := cmd.Flags().GetString("model-path")
	funcName, _ := cmd.Flags().GetString("func-name")
	postprocName, _ := cmd.Flags().GetString("postproc-name")
	preprocName, _ := cmd.Flags().GetString("preproc-name")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	if batchSize <= 0 {
		batchSize = 1
	}
	batchingTimeoutMs, _ := cmd.Flags().GetInt("batching-timeout-ms")
	postprocThreshold, _ := cmd.Flags().GetFloat64("postproc-threshold")

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := module.NewRegistry()
	registerCPUBackend(registry)

	loader := newCPUModelLoader(
		frame.TensorShape{N: batchSize, H: 64, W: 64, C: 3},
		frame.TensorShape{N: batchSize, H: 1, W: 1, C: 1},
		batchSize,
	)
	mod := module.New(loader, registry, nil, nil, nil, logger)
	core := newMCPCore(mod, logger)

	if err := mod.Open(module.ParamSet{
		"model_path":         modelPath,
		"func_name":          funcName,
		"postproc_name":      postprocName,
		"preproc_name":       preprocName,
		"batch_size":         strconv.Itoa(batchSize),
		"batching_timeout":   strconv.Itoa(batchingTimeoutMs),
		"postproc_threshold": strconv.FormatFloat(postprocThreshold, 'f', -1, 64),
	}, core); err != nil {
		return fmt.Errorf("failed to open inference module: %w", err)
	}
	defer mod.Close()

	s := server.NewMCPServer(
		"streamvision",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	core.registerTools(s)

	switch transport {
	case "stdio":
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("streamvision MCP server starting on http://%s\n", addr)
		fmt.Printf("  Endpoint: http://%s/mcp\n", addr)
		fmt.Printf("  Health:   http://%s/health\n", addr)
		fmt.Println()

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"streamvision-mcp"}`))
		})
		mux.Handle("/mcp", server.NewStreamableHTTPServer(s, server.WithStateful(true)))

		httpServer := &http.Server{Addr: addr, Handler: mux}
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}

	default:
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	return nil
}

func (c *mcpCore) registerTools(s *server.MCPServer) {
	statusTool := mcp.NewTool("engine_status",
		mcp.WithDescription(`Report per-channel batching engine counters: frames fed, end-of-stream
frames seen, batches committed (full vs partial on timeout), and fatal
errors. Call this to check whether a channel is keeping up or stalling.`),
	)
	s.AddTool(statusTool, c.handleEngineStatus)

	listTool := mcp.NewTool("list_channels",
		mcp.WithDescription("List the channel indices that currently hold a producer handle."),
	)
	s.AddTool(listTool, c.handleListChannels)

	drainTool := mcp.NewTool("drain_channel",
		mcp.WithDescription(`Feed an end-of-stream frame to a channel and close it out. Use this
when a producer is done sending frames on that channel; the channel's
producer handle is released afterwards.`),
		mcp.WithNumber("channel",
			mcp.Required(),
			mcp.Description("Channel index to drain"),
		),
	)
	s.AddTool(drainTool, c.handleDrainChannel)
}

func (c *mcpCore) handleEngineStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := c.channelStats()
	out := make(map[string]engine.Stats, len(stats))
	for ch, s := range stats {
		out[strconv.Itoa(ch)] = s
	}
	payload, err := json.Marshal(map[string]interface{}{"channels": out})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (c *mcpCore) handleListChannels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	channels := make([]int, 0, len(c.producers))
	for ch := range c.producers {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	sort.Ints(channels)

	payload, err := json.Marshal(map[string]interface{}{"channels": channels})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal channel list: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (c *mcpCore) handleDrainChannel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel := int(request.GetFloat("channel", -1))
	if channel < 0 {
		return mcp.NewToolResultError("channel parameter is required"), nil
	}
	if err := c.drain(channel); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to drain channel %d: %v", channel, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"channel":%d,"drained":true}`, channel)), nil
}
