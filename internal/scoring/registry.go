package scoring

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Config locates the model files and the ONNX runtime.
type Config struct {
	FilterModelPath string
	FusionModelPath string
	LibraryPath     string
	Device          string
}

// Registry holds the loaded scorers and the device they run on. A nil scorer
// means the model is not loaded. It is built once at startup and read-only
// afterwards.
type Registry struct {
	Filter FilterScorer
	Fusion FusionScorer
	Device string

	closers []io.Closer
	ownsEnv bool
}

func (r *Registry) FilterLoaded() bool {
	return r != nil && r.Filter != nil
}

func (r *Registry) FusionLoaded() bool {
	return r != nil && r.Fusion != nil
}

// Close releases every session and the runtime environment.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	if r.ownsEnv {
		errs = append(errs, destroyEnvironment())
		r.ownsEnv = false
	}
	return errors.Join(errs...)
}

// Load opens whichever models exist. A missing or unloadable model is logged
// and left unloaded; only an invalid device setting or an explicit CUDA
// request that cannot be met fails the load.
func Load(cfg Config, logger *zap.Logger) (*Registry, error) {
	device, err := parseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	reg := &Registry{Device: DeviceCPU}
	filterPresent := modelPresent(cfg.FilterModelPath, "filter", logger)
	fusionPresent := modelPresent(cfg.FusionModelPath, "fusion", logger)
	if !filterPresent && !fusionPresent {
		if device == DeviceCUDA {
			reg.Device = DeviceCUDA
		}
		return reg, nil
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		logger.Error("onnx runtime unavailable, models not loaded", zap.Error(err))
		return reg, nil
	}
	reg.ownsEnv = true

	reg.Device, err = resolveDevice(device, logger)
	if err != nil {
		reg.Close()
		return nil, err
	}

	if filterPresent {
		if m := openWithDevice(cfg.FilterModelPath, reg.Device, "filter", logger); m != nil {
			if len(m.inputSizes) != 1 {
				logger.Error("filter model must take one input", zap.Ints("input_sizes", m.inputSizes))
				m.Close()
			} else {
				reg.Filter = &onnxFilter{model: m}
				reg.closers = append(reg.closers, m)
			}
		}
	}
	if fusionPresent {
		if m := openWithDevice(cfg.FusionModelPath, reg.Device, "fusion", logger); m != nil {
			if len(m.inputSizes) != 2 {
				logger.Error("fusion model must take two inputs", zap.Ints("input_sizes", m.inputSizes))
				m.Close()
			} else {
				reg.Fusion = &onnxFusion{model: m}
				reg.closers = append(reg.closers, m)
			}
		}
	}

	logger.Info("models loaded",
		zap.Bool("filter_loaded", reg.FilterLoaded()),
		zap.Bool("fusion_loaded", reg.FusionLoaded()),
		zap.String("device", reg.Device),
	)
	return reg, nil
}

func parseDevice(device string) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(device)); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported inference device %q", device)
	}
}

// resolveDevice probes CUDA for auto and falls back to CPU.
func resolveDevice(device string, logger *zap.Logger) (string, error) {
	if device == DeviceCPU {
		return DeviceCPU, nil
	}
	opts, err := newSessionOptions(DeviceCUDA)
	if err != nil {
		if device == DeviceCUDA {
			return "", fmt.Errorf("cuda requested: %w", err)
		}
		logger.Info("cuda unavailable, using cpu", zap.Error(err))
		return DeviceCPU, nil
	}
	opts.Destroy()
	return DeviceCUDA, nil
}

func openWithDevice(path, device, name string, logger *zap.Logger) *onnxModel {
	opts, err := newSessionOptions(device)
	if err != nil {
		logger.Error("model not loaded", zap.String("model", name), zap.Error(err))
		return nil
	}
	defer opts.Destroy()

	m, err := openModel(path, opts)
	if err != nil {
		logger.Error("model not loaded", zap.String("model", name), zap.String("path", path), zap.Error(err))
		return nil
	}
	logger.Info("model loaded", zap.String("model", name), zap.String("path", path))
	return m
}

func modelPresent(path, name string, logger *zap.Logger) bool {
	if strings.TrimSpace(path) == "" {
		logger.Warn("model path not configured", zap.String("model", name))
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		logger.Warn("model file not found", zap.String("model", name), zap.String("path", path))
		return false
	}
	return true
}
