package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cbw1985/streamvision/pkg/cache"
	"github.com/cbw1985/streamvision/pkg/embedding/openai"
	"github.com/cbw1985/streamvision/pkg/featurestore"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/metrics"
	"github.com/cbw1985/streamvision/pkg/module"
	"github.com/cbw1985/streamvision/pkg/reid"
	"github.com/cbw1985/streamvision/pkg/retriever"
	pcretriever "github.com/cbw1985/streamvision/pkg/retriever/pinecone"
	qdretriever "github.com/cbw1985/streamvision/pkg/retriever/qdrant"
	"github.com/cbw1985/streamvision/pkg/sse"
	"github.com/cbw1985/streamvision/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamvision inference HTTP server",
	Long: `Starts an HTTP server that runs the batching inference core behind a
small JSON/SSE surface.

Example:
  streamvision serve --model-path model.bin --func-name subnet0 --postproc-name cpu_mean_intensity

The server exposes:
  POST /v1/frames   - Submit one frame for inference (async; result arrives over /v1/events)
  GET  /v1/status    - Per-channel engine counters
  GET  /v1/events    - Server-sent events: per-frame delivery and pipeline events
  GET  /health       - Health check
  GET  /metrics      - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")

	serveCmd.Flags().String("model-path", "", "Offline model path")
	serveCmd.Flags().String("func-name", "", "Model entry-point name")
	serveCmd.Flags().String("postproc-name", "cpu_mean_intensity", "Registered post-processor name")
	serveCmd.Flags().String("preproc-name", "cpu_identity", "Registered host pre-processor name")
	serveCmd.Flags().Int("batch-size", 8, "Inference batch size")
	serveCmd.Flags().Int("batching-timeout-ms", 3000, "Batch close timeout in milliseconds")
	serveCmd.Flags().Float64("postproc-threshold", 0, "Post-processor detection score threshold [0,1]")

	serveCmd.Flags().Bool("enable-featurestore", false, "Sink detected object feature vectors to a vector DB")
	serveCmd.Flags().String("backend", "pinecone", "Vector DB backend (pinecone, qdrant)")
	serveCmd.Flags().StringP("index", "i", "", "Index/collection name")
	serveCmd.Flags().String("api-key", "", "Vector DB API key (or use PINECONE_API_KEY)")
	serveCmd.Flags().String("db-host", "", "Vector DB host (for Qdrant)")
	serveCmd.Flags().StringP("namespace", "n", "", "Default namespace")

	serveCmd.Flags().String("openai-key", "", "OpenAI API key for attribute embedding (or use OPENAI_API_KEY)")
	serveCmd.Flags().String("embedding-model", "text-embedding-3-small", "OpenAI embedding model")

	serveCmd.Flags().Bool("enable-reid", true, "Enable cross-frame duplicate-object suppression")
	serveCmd.Flags().Float64("reid-threshold", 0.1, "Re-identification clustering threshold")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("inference.model_path", serveCmd.Flags().Lookup("model-path"))
	_ = viper.BindPFlag("inference.func_name", serveCmd.Flags().Lookup("func-name"))
	_ = viper.BindPFlag("inference.postproc_name", serveCmd.Flags().Lookup("postproc-name"))
	_ = viper.BindPFlag("inference.preproc_name", serveCmd.Flags().Lookup("preproc-name"))
	_ = viper.BindPFlag("inference.batch_size", serveCmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("inference.batching_timeout_ms", serveCmd.Flags().Lookup("batching-timeout-ms"))
	_ = viper.BindPFlag("inference.postproc_threshold", serveCmd.Flags().Lookup("postproc-threshold"))
	_ = viper.BindPFlag("retriever.backend", serveCmd.Flags().Lookup("backend"))
	_ = viper.BindPFlag("retriever.index", serveCmd.Flags().Lookup("index"))
	_ = viper.BindPFlag("retriever.namespace", serveCmd.Flags().Lookup("namespace"))
	_ = viper.BindPFlag("embedding.model", serveCmd.Flags().Lookup("embedding-model"))
	_ = viper.BindPFlag("dedup.threshold", serveCmd.Flags().Lookup("reid-threshold"))
}

// broadcastEvent is one SSE-bound update, fanned out to every connected
// /v1/events subscriber.
type broadcastEvent struct {
	channel  string
	stage    sse.Stage
	complete bool
	errMsg   string
	objects  []frame.Detection
}

// Server holds the running inference core plus its optional feature-store
// and re-identification sinks, and fans out delivery/pipeline events to
// connected SSE clients.
type Server struct {
	mod          *module.Module
	featureStore *featurestore.Store
	deduper      *reid.Deduper
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu        sync.Mutex
	producers map[int]*module.ProducerHandle

	subMu sync.Mutex
	subID int
	subs  map[int]chan broadcastEvent
}

func newServer(mod *module.Module, fs *featurestore.Store, deduper *reid.Deduper, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		mod:          mod,
		featureStore: fs,
		deduper:      deduper,
		metrics:      m,
		logger:       logger,
		producers:    make(map[int]*module.ProducerHandle),
		subs:         make(map[int]chan broadcastEvent),
	}
}

func (s *Server) broadcast(evt broadcastEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber: drop rather than block delivery.
		}
	}
}

func (s *Server) subscribe() (int, chan broadcastEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subID++
	id := s.subID
	ch := make(chan broadcastEvent, 32)
	s.subs[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// PostEvent implements module.Pipeline: it mirrors the shared event bus
// (fatal errors, drop notices) onto the SSE stream as well as the logger.
func (s *Server) PostEvent(kind, msg string) {
	s.logger.Info("pipeline event", zap.String("kind", kind), zap.String("message", msg))
	s.broadcast(broadcastEvent{channel: "*", stage: sse.StageDelivery, errMsg: kind + ": " + msg})
}

// TransmitData implements module.Pipeline: once a frame's result is ready
// and in order for its producer, this sinks its feature vectors, runs
// cross-frame dedup, and broadcasts the result to SSE subscribers.
func (s *Server) TransmitData(f *frame.Frame) {
	channel := strconv.Itoa(f.ChannelIdx)
	go func() {
		ctx := context.Background()
		if s.featureStore != nil {
			if err := s.featureStore.Upsert(ctx, channel, f); err != nil {
				s.logger.Warn("featurestore upsert failed", zap.Error(err), zap.String("channel", channel))
			}
		}
		if s.deduper != nil && len(f.Objects) > 0 {
			sightings := reid.SightingsFromFrame(channel, f)
			if len(sightings) > 0 {
				s.deduper.Dedup(sightings)
			}
		}
		s.broadcast(broadcastEvent{channel: channel, stage: sse.StageDelivery, complete: true, objects: f.Objects})
	}()
}

func (s *Server) getProducer(channelIdx int) (*module.ProducerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.producers[channelIdx]; ok {
		return h, nil
	}
	h, err := s.mod.OpenProducer()
	if err != nil {
		return nil, err
	}
	s.producers[channelIdx] = h
	return h, nil
}

// frameRequest is the JSON body for POST /v1/frames. PlaneData is the
// base64-encoded host bytes of a single pre-processed plane, sized to the
// configured model's input shape.
type frameRequest struct {
	Channel   int    `json:"channel"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	PlaneData string `json:"plane_data"`
	EOS       bool   `json:"eos,omitempty"`
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req frameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	planeData, err := base64.StdEncoding.DecodeString(req.PlaneData)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid plane_data: %v", err), http.StatusBadRequest)
		return
	}

	h, err := s.getProducer(req.Channel)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to open producer: %v", err), http.StatusInternalServerError)
		return
	}

	f := &frame.Frame{
		ChannelIdx: req.Channel,
		Timestamp:  time.Now(),
		Format:     frame.FormatBGR,
		Width:      req.Width,
		Height:     req.Height,
		Stride:     []int{req.Width * 3},
		Planes:     []frame.Plane{{Host: planeData}},
	}
	if req.EOS {
		f.Flags |= frame.FlagEOS
	}

	s.mod.Process(h, f)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true, "channel": req.Channel})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := make(map[string]interface{}, len(s.producers))
	for ch, h := range s.producers {
		stats[strconv.Itoa(ch)] = h.Stats()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"channels": stats})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writer := sse.NewWriter(w)
	if writer == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := s.subscribe()
	defer s.unsubscribe(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.errMsg != "" {
				_ = writer.SendError(evt.stage, evt.errMsg)
				continue
			}
			if evt.complete {
				_ = writer.SendComplete(evt.channel, map[string]interface{}{"objects": evt.objects})
				continue
			}
			_ = writer.SendProgress(evt.channel, evt.stage, 1.0)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func buildRetriever(ctx context.Context, backend, index, apiKey, dbHost, namespace string) (retriever.Retriever, error) {
	switch backend {
	case "pinecone":
		if apiKey == "" || index == "" {
			return nil, fmt.Errorf("pinecone requires --api-key and --index")
		}
		return pcretriever.NewClient(ctx, pcretriever.Config{
			Config:    retriever.Config{APIKey: apiKey, DefaultNamespace: namespace},
			IndexName: index,
		})
	case "qdrant":
		if dbHost == "" || index == "" {
			return nil, fmt.Errorf("qdrant requires --db-host and --index")
		}
		return qdretriever.NewClient(ctx, qdretriever.Config{
			Config:     retriever.Config{APIKey: apiKey, Host: dbHost, DefaultNamespace: namespace},
			Collection: index,
		})
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	port := viper.GetInt("server.port")
	host := viper.GetString("server.host")

	modelPath := viper.GetString("inference.model_path")
	funcName := viper.GetString("inference.func_name")
	postprocName := viper.GetString("inference.postproc_name")
	preprocName := viper.GetString("inference.preproc_name")
	batchSize := viper.GetInt("inference.batch_size")
	if batchSize <= 0 {
		batchSize = 1
	}
	batchingTimeoutMs := viper.GetInt("inference.batching_timeout_ms")
	postprocThreshold := viper.GetFloat64("inference.postproc_threshold")

	enableFeaturestore, _ := cmd.Flags().GetBool("enable-featurestore")
	backend := viper.GetString("retriever.backend")
	index := viper.GetString("retriever.index")
	apiKey, _ := cmd.Flags().GetString("api-key")
	dbHost, _ := cmd.Flags().GetString("db-host")
	namespace := viper.GetString("retriever.namespace")
	openaiKey, _ := cmd.Flags().GetString("openai-key")
	embeddingModel := viper.GetString("embedding.model")

	enableReid, _ := cmd.Flags().GetBool("enable-reid")
	reidThreshold := viper.GetFloat64("dedup.threshold")

	if apiKey == "" {
		apiKey = os.Getenv("PINECONE_API_KEY")
	}
	if openaiKey == "" {
		openaiKey = os.Getenv("OPENAI_API_KEY")
	}

	ctx := context.Background()

	var fs *featurestore.Store
	if enableFeaturestore {
		ret, err := buildRetriever(ctx, backend, index, apiKey, dbHost, namespace)
		if err != nil {
			return fmt.Errorf("failed to create feature-store retriever: %w", err)
		}
		defer func() { _ = ret.Close() }()

		var embedder retriever.EmbeddingProvider
		if openaiKey != "" {
			embedder, err = openai.NewClient(openai.Config{APIKey: openaiKey, Model: embeddingModel})
			if err != nil {
				return fmt.Errorf("failed to create embedding provider: %w", err)
			}
		}

		dedupCache := cache.NewMemoryCache(cache.DefaultConfig())
		defer func() { _ = dedupCache.Close() }()

		fs = featurestore.New(ret, embedder, dedupCache, featurestore.Config{
			Namespace:       namespace,
			DedupTTL:        5 * time.Minute,
			EmbedAttributes: openaiKey != "",
		}, logger)
	}

	var deduper *reid.Deduper
	if enableReid {
		reidCfg := reid.DefaultConfig()
		if reidThreshold > 0 {
			reidCfg.ClusterThreshold = reidThreshold
		}
		deduper = reid.New(reidCfg)
	}

	m := metrics.New()

	telemetryProvider, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() { _ = telemetryProvider.Shutdown(ctx) }()

	registry := module.NewRegistry()
	registerCPUBackend(registry)

	loader := newCPUModelLoader(
		frame.TensorShape{N: batchSize, H: 64, W: 64, C: 3},
		frame.TensorShape{N: batchSize, H: 1, W: 1, C: 1},
		batchSize,
	)
	mod := module.New(loader, registry, nil, nil, nil, logger)
	mod.SetMetrics(m, "serve")
	mod.SetTracer(telemetryProvider)

	server := newServer(mod, fs, deduper, m, logger)

	if err := mod.Open(module.ParamSet{
		"model_path":         modelPath,
		"func_name":          funcName,
		"postproc_name":      postprocName,
		"preproc_name":       preprocName,
		"batch_size":         strconv.Itoa(batchSize),
		"batching_timeout":   strconv.Itoa(batchingTimeoutMs),
		"postproc_threshold": strconv.FormatFloat(postprocThreshold, 'f', -1, 64),
	}, server); err != nil {
		return fmt.Errorf("failed to open inference module: %w", err)
	}
	defer mod.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/frames", m.Middleware("/v1/frames", server.handleFrames))
	mux.HandleFunc("/v1/status", m.Middleware("/v1/status", server.handleStatus))
	mux.HandleFunc("/v1/events", server.handleEvents)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.Handler().ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "\nShutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Printf("streamvision serving on %s\n", addr)
	fmt.Printf("  feature store: %v\n", fs != nil)
	fmt.Printf("  reid dedup:    %v\n", deduper != nil)
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  POST http://%s/v1/frames\n", addr)
	fmt.Printf("  GET  http://%s/v1/status\n", addr)
	fmt.Printf("  GET  http://%s/v1/events\n", addr)
	fmt.Printf("  GET  http://%s/health\n", addr)
	fmt.Println()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	fmt.Println("server stopped")
	return nil
}
