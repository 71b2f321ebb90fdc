package main

import (
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Tutortoise/blast-classifier-service/classification"
	"github.com/Tutortoise/blast-classifier-service/config"
)

// LoadError reports a model artifact that could not be brought up at startup.
type LoadError struct {
	Path  string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// ModelHandle owns whatever loadModel brought up. Model is always usable:
// on failure it is a classification.Unavailable.
type ModelHandle struct {
	Model classification.Model
	Pool  *SessionPool

	ortReady bool
}

func (h *ModelHandle) Close() {
	if h.Pool != nil {
		h.Pool.Destroy()
	}
	if h.ortReady {
		if err := ort.DestroyEnvironment(); err != nil {
			zap.L().Warn("Failed to destroy ONNX environment", zap.Error(err))
		}
	}
}

func loadModel(cfg *config.ModelConfig, log *zap.Logger) *ModelHandle {
	log.Info("Loading model", zap.String("path", cfg.Path))

	handle := &ModelHandle{}
	if err := handle.load(cfg); err != nil {
		loadErr := &LoadError{Path: cfg.Path, Cause: err}
		log.Error("Error loading model, classification disabled", zap.Error(loadErr))
		handle.Close()
		return &ModelHandle{Model: classification.Unavailable{Reason: loadErr}}
	}

	log.Info("Model loaded successfully",
		zap.String("path", cfg.Path),
		zap.Int("pool_size", handle.Pool.Stats().Size),
		zap.Strings("labels", cfg.Labels))
	return handle
}

func (h *ModelHandle) load(cfg *config.ModelConfig) error {
	if _, err := os.Stat(cfg.Path); err != nil {
		return err
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	h.ortReady = true

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to inspect model: %w", err)
	}

	inputName, outputName, err := resolveIO(inputs, outputs, cfg, len(cfg.Labels))
	if err != nil {
		return err
	}

	sessionCfg := classification.SessionConfig{
		ModelPath:      cfg.Path,
		InputName:      inputName,
		OutputName:     outputName,
		NumClasses:     len(cfg.Labels),
		IntraOpThreads: cfg.IntraOpThreads,
	}
	factory := func() (Session, error) {
		return classification.NewModelSession(sessionCfg)
	}

	pool, err := NewSessionPool(factory, PoolConfig{
		Size:             cfg.PoolSize,
		AcquireTimeout:   cfg.AcquireTimeout,
		InferenceTimeout: cfg.InferenceTimeout,
	})
	if err != nil {
		return err
	}

	h.Pool = pool
	h.Model = pool
	return nil
}

// resolveIO picks the input and output tensor names and checks the declared
// shapes against the preprocessor layout and the label table. Dimensions the
// model leaves symbolic (<= 0) are not checked.
func resolveIO(inputs, outputs []ort.InputOutputInfo, cfg *config.ModelConfig, numLabels int) (string, string, error) {
	input, err := pickIO(inputs, cfg.InputName, "input")
	if err != nil {
		return "", "", err
	}
	output, err := pickIO(outputs, cfg.OutputName, "output")
	if err != nil {
		return "", "", err
	}

	if input.DataType != ort.TensorElementDataTypeFloat {
		return "", "", fmt.Errorf("input %q has element type %v, want float", input.Name, input.DataType)
	}

	want := []int64{1, classification.InputHeight, classification.InputWidth, classification.InputChannels}
	if len(input.Dimensions) != len(want) {
		return "", "", fmt.Errorf("input %q has shape %v, want %v", input.Name, input.Dimensions, want)
	}
	for i, dim := range input.Dimensions {
		if dim > 0 && dim != want[i] {
			return "", "", fmt.Errorf("input %q has shape %v, want %v", input.Name, input.Dimensions, want)
		}
	}

	if n := len(output.Dimensions); n > 0 {
		classes := output.Dimensions[n-1]
		if classes > 0 && classes != int64(numLabels) {
			return "", "", fmt.Errorf("output %q has %d classes but %d labels are configured", output.Name, classes, numLabels)
		}
	}

	return input.Name, output.Name, nil
}

func pickIO(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares no %ss", kind)
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}
