package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Tutortoise/blast-classifier-service/classification"
	"github.com/Tutortoise/blast-classifier-service/config"
)

func TestLoadModel_MissingArtifact(t *testing.T) {
	cfg := &config.ModelConfig{
		Path:     filepath.Join(t.TempDir(), "Model100.onnx"),
		Labels:   config.DefaultLabels,
		PoolSize: 1,
	}

	handle := loadModel(cfg, zap.NewNop())
	defer handle.Close()

	assert.Nil(t, handle.Pool)
	require.IsType(t, classification.Unavailable{}, handle.Model)

	_, err := handle.Model.Predict(context.Background(), nil)
	assert.ErrorIs(t, err, classification.ErrModelNotLoaded)
	assert.ErrorIs(t, err, os.ErrNotExist)

	var loadErr *LoadError
	require.True(t, errors.As(handle.Model.(classification.Unavailable).Reason, &loadErr))
	assert.Equal(t, cfg.Path, loadErr.Path)
}

func TestResolveIO(t *testing.T) {
	input := ort.InputOutputInfo{
		Name:       "input_1",
		Dimensions: ort.NewShape(-1, 224, 224, 3),
		DataType:   ort.TensorElementDataTypeFloat,
	}
	output := ort.InputOutputInfo{
		Name:       "dense_2",
		Dimensions: ort.NewShape(-1, 5),
		DataType:   ort.TensorElementDataTypeFloat,
	}
	extra := ort.InputOutputInfo{
		Name:       "aux",
		Dimensions: ort.NewShape(-1, 7),
		DataType:   ort.TensorElementDataTypeFloat,
	}

	tests := []struct {
		name        string
		inputs      []ort.InputOutputInfo
		outputs     []ort.InputOutputInfo
		cfg         config.ModelConfig
		labels      int
		expectIn    string
		expectOut   string
		expectError bool
	}{
		{
			name:      "first input and output by default",
			inputs:    []ort.InputOutputInfo{input},
			outputs:   []ort.InputOutputInfo{output, extra},
			labels:    5,
			expectIn:  "input_1",
			expectOut: "dense_2",
		},
		{
			name:        "configured output must exist",
			inputs:      []ort.InputOutputInfo{input},
			outputs:     []ort.InputOutputInfo{output},
			cfg:         config.ModelConfig{OutputName: "missing"},
			labels:      5,
			expectError: true,
		},
		{
			name:        "label count must match output classes",
			inputs:      []ort.InputOutputInfo{input},
			outputs:     []ort.InputOutputInfo{extra},
			labels:      5,
			expectError: true,
		},
		{
			name:      "configured output picks matching tensor",
			inputs:    []ort.InputOutputInfo{input},
			outputs:   []ort.InputOutputInfo{output, extra},
			cfg:       config.ModelConfig{OutputName: "aux"},
			labels:    7,
			expectIn:  "input_1",
			expectOut: "aux",
		},
		{
			name: "channels-first input rejected",
			inputs: []ort.InputOutputInfo{{
				Name:       "x",
				Dimensions: ort.NewShape(1, 3, 224, 224),
				DataType:   ort.TensorElementDataTypeFloat,
			}},
			outputs:     []ort.InputOutputInfo{output},
			labels:      5,
			expectError: true,
		},
		{
			name: "non-float input rejected",
			inputs: []ort.InputOutputInfo{{
				Name:       "x",
				Dimensions: ort.NewShape(1, 224, 224, 3),
				DataType:   ort.TensorElementDataTypeUint8,
			}},
			outputs:     []ort.InputOutputInfo{output},
			labels:      5,
			expectError: true,
		},
		{
			name:        "no outputs",
			inputs:      []ort.InputOutputInfo{input},
			labels:      5,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out, err := resolveIO(tt.inputs, tt.outputs, &tt.cfg, tt.labels)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectIn, in)
			assert.Equal(t, tt.expectOut, out)
		})
	}
}

func TestLoadError(t *testing.T) {
	err := &LoadError{Path: "models/m.onnx", Cause: os.ErrNotExist}

	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "models/m.onnx")
}
