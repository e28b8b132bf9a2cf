package gating

import (
	"math"
	"sort"
	"strings"
)

// throughputNames/latencyNames implement the family classification in
// spec §4.6 step 3.
var throughputNames = map[string]bool{"tokens_per_sec": true, "tps": true}
var latencyNames = map[string]bool{"ttft_ms": true, "inference_time_ms": true}

func isThroughput(metric string) bool {
	if throughputNames[metric] {
		return true
	}
	return strings.HasSuffix(metric, "_per_sec") || strings.HasSuffix(metric, "tps")
}

func isLatency(metric string) bool {
	if latencyNames[metric] {
		return true
	}
	return strings.HasSuffix(metric, "_latency_ms")
}

// nonWarmup returns repeat values for (device, metric), warmup rows excluded.
func nonWarmup(table MeasurementTable, device, metric string) []float64 {
	var out []float64
	for _, m := range table {
		if m.Device == device && m.Metric == metric && !m.Warmup {
			out = append(out, m.Value)
		}
	}
	return out
}

// median returns the median of vs, sorted ascending; for even counts, the
// mean of the two middle values.
func median(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// coefficientOfVariation returns stdev/|mean| over vs. With fewer than 2
// samples CV is undefined and the metric is never flagged flaky (spec §8
// boundary: N=1 disables flake detection).
func coefficientOfVariation(vs []float64) (cv float64, defined bool) {
	if len(vs) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	if mean == 0 {
		return 0, false
	}
	variance := 0.0
	for _, v := range vs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vs))
	stdev := math.Sqrt(variance)
	return stdev / math.Abs(mean), true
}

// isFlaky applies the family-specific CV threshold from spec §4.6 step 3.
// Metrics in neither family inherit the latency threshold (0.20).
func isFlaky(metric string, vs []float64) bool {
	cv, defined := coefficientOfVariation(vs)
	if !defined {
		return false
	}
	if isThroughput(metric) {
		return cv > 0.15
	}
	return cv > 0.20
}

func compare(op Op, value, threshold float64) bool {
	switch op {
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	case OpGT:
		return value > threshold
	case OpGE:
		return value >= threshold
	case OpEQ:
		return value == threshold
	default:
		return false
	}
}

// Evaluate runs spec §4.6 steps 1-5 against table for the pipeline's gates
// over devices (device_matrix order), using mapping to decide per-metric
// availability.
func Evaluate(table MeasurementTable, gates []Gate, devices []string, mapping MetricMapping) Evaluation {
	eval := Evaluation{FlakyMetrics: map[string][]string{}}

	for _, gate := range gates {
		stability, known := mapping[gate.Metric]
		if !known {
			stability = Unavailable
		}

		for _, device := range devices {
			gr := GateResult{Metric: gate.Metric, Device: device, Op: gate.Op, Threshold: gate.Threshold, Required: gate.Required}

			vs := nonWarmup(table, device, gate.Metric)

			switch {
			case stability == Unavailable || len(vs) == 0:
				gr.Outcome = "skipped"
				gr.Reason = "metric mapping unavailable or no value"
				if gate.Required {
					eval.Outcome = Errored
					eval.ErrorCode = "MISSING_REQUIRED_METRIC"
				}

			case isFlaky(gate.Metric, vs):
				eval.FlakyMetrics[gate.Metric] = append(eval.FlakyMetrics[gate.Metric], device)
				gr.Flaky = true
				gr.Outcome = "skipped"
				gr.Reason = "metric flaky on this device"
				if gate.Required {
					eval.Outcome = Errored
					eval.ErrorCode = "FLAKY_METRIC"
				}

			default:
				gr.Median = median(vs)
				gr.HasValue = true
				if compare(gate.Op, gr.Median, gate.Threshold) {
					gr.Outcome = "pass"
				} else {
					gr.Outcome = "fail"
				}
			}

			eval.GateResults = append(eval.GateResults, gr)

			// Step 5: an error termination wins outright and is deterministic
			// in declared gate/device order, so we can return as soon as one
			// fires rather than continuing to evaluate later gates.
			if eval.Outcome == Errored {
				return eval
			}
		}
	}

	failed := false
	for _, gr := range eval.GateResults {
		if gr.Required && gr.Outcome == "fail" {
			failed = true
		}
	}
	if failed {
		eval.Outcome = Failed
	} else {
		eval.Outcome = Passed
	}
	return eval
}

// CorrectnessScore implements spec §4.6 step 2's correctness scoring:
// per-repeat 0/1 scores, per-device score is their median, aggregate is the
// arithmetic mean over cases whose expectation type is not "none".
func CorrectnessScore(perCaseRepeatScores map[string][]float64, expectationIsNone map[string]bool) float64 {
	var scored []float64
	for caseID, repeats := range perCaseRepeatScores {
		if expectationIsNone[caseID] {
			continue
		}
		scored = append(scored, median(repeats))
	}
	if len(scored) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scored {
		sum += s
	}
	return sum / float64(len(scored))
}
