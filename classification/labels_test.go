package classification

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabels_Lookup(t *testing.T) {
	labels := Labels{"Pre-B", "Early Pre-B", "Pro-B", "Benign", "Healthy"}

	for i, want := range labels {
		got, err := labels.Lookup(i)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, idx := range []int{-1, 5, 100} {
		_, err := labels.Lookup(idx)
		assert.True(t, errors.Is(err, ErrLabelIndexOutOfRange), "index %d", idx)
	}
}

func TestErrors(t *testing.T) {
	cause := errors.New("boom")

	decodeErr := &DecodeError{Cause: cause}
	assert.ErrorIs(t, decodeErr, cause)
	assert.Contains(t, decodeErr.Error(), "boom")

	inferErr := &InferenceError{Message: "model inference", Cause: cause}
	assert.ErrorIs(t, inferErr, cause)
	assert.Equal(t, "model inference: boom", inferErr.Error())
	assert.Equal(t, "bare", (&InferenceError{Message: "bare"}).Error())

	u := Unavailable{Reason: cause}
	assert.ErrorIs(t, u.Err(), ErrModelNotLoaded)
	assert.Contains(t, u.Err().Error(), "boom")
	assert.ErrorIs(t, Unavailable{}.Err(), ErrModelNotLoaded)
}
