package evaluation

import "time"

const (
	MetricAccuracy = "accuracy"
	MetricError    = "error"
)

// Result is the outcome of one evaluation.
type Result struct {
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Model      string  `json:"model"`
	Dataset    string  `json:"dataset"`
	InputType  string  `json:"input_type"`
	Iterations int     `json:"iterations"`
	// Examples is the size of the evaluated split.
	Examples int `json:"examples"`
	// Denominator is the number of examples the accuracy is relative to,
	// Iterations*BatchSize. Zero for reconstruction error.
	Denominator int           `json:"denominator,omitempty"`
	Checkpoint  string        `json:"checkpoint"`
	GlobalStep  int64         `json:"global_step"`
	Device      string        `json:"device"`
	Took        time.Duration `json:"took"`
}
