package gating

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableFor(device, metric string, warmup float64, repeats []float64) MeasurementTable {
	table := MeasurementTable{{Device: device, Metric: metric, RepeatIndex: 0, Value: warmup, Warmup: true}}
	for i, v := range repeats {
		table = append(table, Measurement{Device: device, Metric: metric, RepeatIndex: i + 1, Value: v, Warmup: false})
	}
	return table
}

func TestS1HappyPathPasses(t *testing.T) {
	var table MeasurementTable
	table = append(table, tableFor("dev1", "peak_ram_mb", 3400, []float64{3200, 3250, 3300})...)
	table = append(table, tableFor("dev1", "tokens_per_sec", 17.0, []float64{18.0, 18.5, 17.5})...)

	gates := []Gate{
		{Metric: "peak_ram_mb", Op: OpLE, Threshold: 3500, Required: true},
		{Metric: "tokens_per_sec", Op: OpGE, Threshold: 12, Required: false},
	}
	mapping := MetricMapping{"peak_ram_mb": Stable, "tokens_per_sec": Stable}

	eval := Evaluate(table, gates, []string{"dev1"}, mapping)
	require.Equal(t, Passed, eval.Outcome)
	require.Len(t, eval.GateResults, 2)
	assert.Equal(t, 3250.0, eval.GateResults[0].Median)
	assert.Equal(t, "pass", eval.GateResults[0].Outcome)
	assert.Equal(t, 18.0, eval.GateResults[1].Median)
	assert.Equal(t, "pass", eval.GateResults[1].Outcome)
}

func TestS2RequiredMetricMissing(t *testing.T) {
	var table MeasurementTable
	table = append(table, tableFor("dev1", "tokens_per_sec", 17.0, []float64{18.0, 18.5, 17.5})...)
	// peak_ram_mb has no measurements at all — mapping marks it unavailable.

	gates := []Gate{
		{Metric: "peak_ram_mb", Op: OpLE, Threshold: 3500, Required: true},
		{Metric: "tokens_per_sec", Op: OpGE, Threshold: 12, Required: false},
	}
	mapping := MetricMapping{"peak_ram_mb": Unavailable, "tokens_per_sec": Stable}

	eval := Evaluate(table, gates, []string{"dev1"}, mapping)
	require.Equal(t, Errored, eval.Outcome)
	assert.Equal(t, "MISSING_REQUIRED_METRIC", eval.ErrorCode)
}

func TestS3RequiredGateFlaky(t *testing.T) {
	var table MeasurementTable
	table = append(table, tableFor("dev1", "tokens_per_sec", 10.0, []float64{18.0, 8.0, 19.0})...)

	gates := []Gate{
		{Metric: "tokens_per_sec", Op: OpGE, Threshold: 12, Required: true},
	}
	mapping := MetricMapping{"tokens_per_sec": Stable}

	eval := Evaluate(table, gates, []string{"dev1"}, mapping)
	require.Equal(t, Errored, eval.Outcome)
	assert.Equal(t, "FLAKY_METRIC", eval.ErrorCode)
}

func TestMedianOddAndEven(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
}

func TestSingleRepeatDisablesFlakeDetection(t *testing.T) {
	assert.False(t, isFlaky("tokens_per_sec", []float64{5.0}))
	cv, defined := coefficientOfVariation([]float64{5.0})
	assert.False(t, defined)
	assert.Zero(t, cv)
}

func TestFiveRepeatsOutlierMedianIsMiddle(t *testing.T) {
	assert.Equal(t, 100.0, median([]float64{10, 95, 100, 105, 500}))
}

func TestExactThresholdEqualityPasses(t *testing.T) {
	var table MeasurementTable
	table = append(table, tableFor("dev1", "peak_ram_mb", 3000, []float64{3500, 3500, 3500})...)
	gates := []Gate{{Metric: "peak_ram_mb", Op: OpLE, Threshold: 3500, Required: true}}
	mapping := MetricMapping{"peak_ram_mb": Stable}

	eval := Evaluate(table, gates, []string{"dev1"}, mapping)
	require.Equal(t, Passed, eval.Outcome)
	assert.Equal(t, "pass", eval.GateResults[0].Outcome)
}
