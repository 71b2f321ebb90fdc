package classification

import "math"

// Argmax returns the index of the highest probability and its value. Ties go to
// the lowest index.
func Argmax(probs []float32) (int, float32, error) {
	if len(probs) == 0 {
		return 0, 0, &InferenceError{Message: "model returned an empty output"}
	}

	maxIdx := 0
	maxVal := probs[0]
	for i, val := range probs {
		if math.IsNaN(float64(val)) {
			return 0, 0, &InferenceError{Message: "model output contains NaN"}
		}
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	if maxVal < 0 || maxVal > 1 {
		return 0, 0, &InferenceError{Message: "model output is not a probability distribution"}
	}

	return maxIdx, maxVal, nil
}
