package classification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tutortoise/blast-classifier-service/models"
)

type Classifier struct {
	model        Model
	labels       Labels
	preprocessor *Preprocessor
}

func NewClassifier(model Model, labels Labels, preprocessor *Preprocessor) *Classifier {
	return &Classifier{
		model:        model,
		labels:       labels,
		preprocessor: preprocessor,
	}
}

// Ready reports why the classifier cannot serve, or nil.
func (c *Classifier) Ready() error {
	if u, ok := c.model.(Unavailable); ok {
		return u.Err()
	}
	return nil
}

func (c *Classifier) Labels() Labels {
	return c.labels
}

// Classify runs decode, resize, normalize, inference and label lookup over raw
// image bytes. timings may be nil.
func (c *Classifier) Classify(ctx context.Context, data []byte, timings *models.ProcessingTimings) (*models.Prediction, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	// Fail before touching the image when there is nothing to run it through.
	if err := c.Ready(); err != nil {
		return nil, err
	}

	decodeStart := time.Now()
	img, err := c.preprocessor.Decode(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	resizeStart := time.Now()
	resized := c.preprocessor.Resize(img)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	input, err := c.preprocessor.Tensor(resized)
	if err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	timings.Preprocess = time.Since(prepStart)

	// Run inference
	inferStart := time.Now()
	probs, err := c.model.Predict(ctx, input)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		var inferErr *InferenceError
		if errors.Is(err, ErrModelNotLoaded) || errors.As(err, &inferErr) {
			return nil, err
		}
		return nil, &InferenceError{Message: "model inference", Cause: err}
	}

	postStart := time.Now()
	idx, confidence, err := Argmax(probs)
	if err != nil {
		return nil, err
	}
	label, err := c.labels.Lookup(idx)
	if err != nil {
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)

	return &models.Prediction{
		Class:      label,
		Confidence: confidence,
	}, nil
}
