package module

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
)

// ParamSet is the string-keyed parameter table Open accepts, matching the
// original's ModuleParamSet (a flat map straight out of the pipeline's
// JSON/YAML config node for this module).
type ParamSet map[string]string

var registeredParams = map[string]bool{
	"model_path":         true,
	"func_name":          true,
	"postproc_name":      true,
	"preproc_name":       true,
	"device_id":          true,
	"batch_size":         true,
	"batching_timeout":   true,
	"infer_interval":     true,
	"data_order":         true,
	"postproc_threshold": true,
}

// Config is the parsed, validated form of a ParamSet.
type Config struct {
	ModelPath    string
	FuncName     string
	PostprocName string
	PreprocName  string // empty means device resize+convert, not host preproc

	DeviceID        int
	BatchSize       int
	BatchingTimeout time.Duration
	InferInterval   int
	DataOrder       frame.DataOrder

	HasPostprocThreshold bool
	PostprocThreshold    float64
}

// parseParams validates and converts params into a Config, or a single
// *pipelineerr.Error of kind ConfigError joining every problem found —
// mirrors pkg/config.Validate's collect-then-join style rather than
// failing on the first bad field.
func parseParams(params ParamSet) (*Config, []string, error) {
	var errs []string
	var warnings []string

	for key := range params {
		if !registeredParams[key] {
			warnings = append(warnings, fmt.Sprintf("unknown parameter: %s", key))
		}
	}

	required := []string{"model_path", "func_name", "postproc_name"}
	for _, key := range required {
		if strings.TrimSpace(params[key]) == "" {
			errs = append(errs, fmt.Sprintf("%s is required", key))
		}
	}

	cfg := &Config{
		ModelPath:       params["model_path"],
		FuncName:        params["func_name"],
		PostprocName:    params["postproc_name"],
		PreprocName:     params["preproc_name"],
		BatchingTimeout: 3000 * time.Millisecond,
		BatchSize:       1,
	}

	if v, ok := params["device_id"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("device_id: not a number: %q", v))
		} else {
			cfg.DeviceID = n
		}
	}

	if v, ok := params["batch_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("batch_size: must be a positive integer, got %q", v))
		} else {
			cfg.BatchSize = n
		}
	}

	if v, ok := params["batching_timeout"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Sprintf("batching_timeout: must be a positive integer of milliseconds, got %q", v))
		} else {
			cfg.BatchingTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v, ok := params["infer_interval"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("infer_interval: must be a non-negative integer, got %q", v))
		} else {
			cfg.InferInterval = n
		}
	}

	switch params["data_order"] {
	case "", "NATIVE":
		cfg.DataOrder = frame.DataOrderNative
	case "NCHW":
		cfg.DataOrder = frame.DataOrderNCHW
	default:
		errs = append(errs, fmt.Sprintf("data_order: unsupported value %q (supported: NATIVE, NCHW)", params["data_order"]))
	}

	if v, ok := params["postproc_threshold"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			errs = append(errs, fmt.Sprintf("postproc_threshold: must be a float in [0,1], got %q", v))
		} else {
			cfg.HasPostprocThreshold = true
			cfg.PostprocThreshold = f
		}
	}

	if len(errs) > 0 {
		return nil, warnings, pipelineerr.New(pipelineerr.ConfigError, "Open", strings.Join(errs, "; "))
	}
	return cfg, warnings, nil
}
