package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Metric keys that carry structured data rather than a number.
var nonNumericMetrics = map[string]bool{
	"positions_summary": true,
	"close_type_counts": true,
}

// ControllerPerformance is the evaluated view of one controller's metrics.
type ControllerPerformance struct {
	Status      string         `json:"status"`
	Performance map[string]any `json:"performance,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// EvaluatePerformance marks each controller running when all of its scalar
// metrics are numeric, and error otherwise.
func EvaluatePerformance(snapshot map[string]json.RawMessage) map[string]ControllerPerformance {
	out := make(map[string]ControllerPerformance, len(snapshot))
	for controller, raw := range snapshot {
		metrics, err := numericMetrics(raw)
		if err != nil {
			out[controller] = ControllerPerformance{
				Status: "error",
				Error:  fmt.Sprintf("Some metrics are not numeric, check logs and restart controller: %v", err),
			}
			continue
		}
		out[controller] = ControllerPerformance{Status: "running", Performance: metrics}
	}
	return out
}

func numericMetrics(raw json.RawMessage) (map[string]any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("performance is not an object: %w", err)
	}

	metrics := make(map[string]any, len(fields))
	for k, v := range fields {
		if nonNumericMetrics[k] {
			var structured any
			if err := json.Unmarshal(v, &structured); err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			metrics[k] = structured
			continue
		}
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return nil, fmt.Errorf("metric %s=%s is not a number", k, string(v))
		}
		metrics[k] = d.InexactFloat64()
	}
	return metrics, nil
}
