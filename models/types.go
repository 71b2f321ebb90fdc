package models

import "time"

type Prediction struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
