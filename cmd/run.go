package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/module"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the inference core over a directory of frame descriptor files",
	Long: `Reads a directory of JSON frame descriptors (the same shape POST
/v1/frames accepts), feeds them through the batching inference core in
filename order, and reports a progress bar plus a summary.

Example:
  streamvision run --dir ./frames --model-path model.bin --func-name subnet0`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("dir", "d", "", "directory of *.json frame descriptor files (required)")
	_ = runCmd.MarkFlagRequired("dir")

	runCmd.Flags().String("model-path", "", "Offline model path")
	runCmd.Flags().String("func-name", "", "Model entry-point name")
	runCmd.Flags().String("postproc-name", "cpu_mean_intensity", "Registered post-processor name")
	runCmd.Flags().String("preproc-name", "cpu_identity", "Registered host pre-processor name")
	runCmd.Flags().Int("batch-size", 8, "Inference batch size")
	runCmd.Flags().Int("batching-timeout-ms", 3000, "Batch close timeout in milliseconds")
	runCmd.Flags().Float64("postproc-threshold", 0, "Post-processor detection score threshold [0,1]")

	_ = viper.BindPFlag("inference.model_path", runCmd.Flags().Lookup("model-path"))
	_ = viper.BindPFlag("inference.func_name", runCmd.Flags().Lookup("func-name"))
	_ = viper.BindPFlag("inference.postproc_name", runCmd.Flags().Lookup("postproc-name"))
	_ = viper.BindPFlag("inference.preproc_name", runCmd.Flags().Lookup("preproc-name"))
	_ = viper.BindPFlag("inference.batch_size", runCmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("inference.batching_timeout_ms", runCmd.Flags().Lookup("batching-timeout-ms"))
	_ = viper.BindPFlag("inference.postproc_threshold", runCmd.Flags().Lookup("postproc-threshold"))
}

// runStats tallies the outcome of driving a directory of frames through
// the core.
type runStats struct {
	framesFed       int64
	framesDelivered int64
	objectsFound    int64
	started         time.Time
}

func (s *runStats) duration() time.Duration { return time.Since(s.started) }

func (s *runStats) framesPerSecond() float64 {
	d := s.duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.framesDelivered)) / d
}

// runCollector implements module.Pipeline for the run command: it counts
// delivered frames and their detections, and signals done once every fed
// frame has been transmitted back in order.
type runCollector struct {
	logger *zap.Logger
	stats  *runStats

	want int64
	done chan struct{}
}

func newRunCollector(logger *zap.Logger, stats *runStats, want int64) *runCollector {
	return &runCollector{logger: logger, stats: stats, want: want, done: make(chan struct{})}
}

func (c *runCollector) PostEvent(kind, msg string) {
	c.logger.Warn("pipeline event", zap.String("kind", kind), zap.String("message", msg))
}

func (c *runCollector) TransmitData(f *frame.Frame) {
	atomic.AddInt64(&c.stats.framesDelivered, 1)
	atomic.AddInt64(&c.stats.objectsFound, int64(len(f.Objects)))
	if atomic.LoadInt64(&c.stats.framesDelivered) >= c.want {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	dir, _ := cmd.Flags().GetString("dir")
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

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		fmt.Println("No frame descriptor files found.")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	registry := module.NewRegistry()
	registerCPUBackend(registry)

	loader := newCPUModelLoader(
		frame.TensorShape{N: batchSize, H: 64, W: 64, C: 3},
		frame.TensorShape{N: batchSize, H: 1, W: 1, C: 1},
		batchSize,
	)
	mod := module.New(loader, registry, nil, nil, nil, logger)

	stats := &runStats{started: time.Now()}
	collector := newRunCollector(logger, stats, int64(len(files)))

	if err := mod.Open(module.ParamSet{
		"model_path":         modelPath,
		"func_name":          funcName,
		"postproc_name":      postprocName,
		"preproc_name":       preprocName,
		"batch_size":         strconv.Itoa(batchSize),
		"batching_timeout":   strconv.Itoa(batchingTimeoutMs),
		"postproc_threshold": strconv.FormatFloat(postprocThreshold, 'f', -1, 64),
	}, collector); err != nil {
		return fmt.Errorf("failed to open inference module: %w", err)
	}
	defer mod.Close()

	var mu sync.Mutex
	producers := make(map[int]*module.ProducerHandle)
	getProducer := func(channel int) (*module.ProducerHandle, error) {
		mu.Lock()
		defer mu.Unlock()
		if h, ok := producers[channel]; ok {
			return h, nil
		}
		h, err := mod.OpenProducer()
		if err != nil {
			return nil, err
		}
		producers[channel] = h
		return h, nil
	}

	bar := progressbar.NewOptions64(
		int64(len(files)),
		progressbar.OptionSetDescription("Feeding frames"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	fmt.Fprintf(os.Stderr, "Feeding %d frame descriptors from %s...\n", len(files), dir)

	for _, path := range files {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run interrupted")
		default:
		}

		f, channel, err := loadFrameDescriptor(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}

		h, err := getProducer(channel)
		if err != nil {
			return fmt.Errorf("failed to open producer for channel %d: %w", channel, err)
		}

		mod.Process(h, f)
		atomic.AddInt64(&stats.framesFed, 1)
		_ = bar.Add(1)
	}

	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Waiting for in-flight batches to drain...")

	select {
	case <-collector.done:
	case <-time.After(30 * time.Second):
		fmt.Fprintln(os.Stderr, "warning: timed out waiting for all frames to drain")
	case <-ctx.Done():
	}

	printRunSummary(stats)
	return nil
}

// loadFrameDescriptor reads and decodes one JSON frame descriptor, in the
// same shape cmd/serve.go's POST /v1/frames accepts.
func loadFrameDescriptor(path string) (*frame.Frame, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	var req frameRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, 0, err
	}

	planeData, err := base64.StdEncoding.DecodeString(req.PlaneData)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid plane_data: %w", err)
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
	return f, req.Channel, nil
}

func printRunSummary(stats *runStats) {
	fmt.Println()
	fmt.Println("=== Run Complete ===")
	fmt.Println()
	fmt.Printf("Frames fed:        %d\n", atomic.LoadInt64(&stats.framesFed))
	fmt.Printf("Frames delivered:  %d\n", atomic.LoadInt64(&stats.framesDelivered))
	fmt.Printf("Objects detected:  %d\n", atomic.LoadInt64(&stats.objectsFound))
	fmt.Printf("Duration:          %v\n", stats.duration().Round(time.Millisecond))
	fmt.Printf("Throughput:        %.1f frames/sec\n", stats.framesPerSecond())
	fmt.Println()
}
