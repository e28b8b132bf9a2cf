package limits

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/store"
)

func TestCheckModelSize(t *testing.T) {
	require.NoError(t, CheckModelSize(MaxModelBytes))
	require.Error(t, CheckModelSize(MaxModelBytes+1))
}

func TestCheckCaseCount(t *testing.T) {
	require.NoError(t, CheckCaseCount(MaxCases))
	require.Error(t, CheckCaseCount(MaxCases+1))
}

func TestCheckDeviceMatrix(t *testing.T) {
	require.Error(t, CheckDeviceMatrix(nil), "an empty device matrix is never valid")

	devices := make([]string, MaxDevices)
	for i := range devices {
		devices[i] = "device"
	}
	require.NoError(t, CheckDeviceMatrix(devices))

	devices = append(devices, "one-too-many")
	require.Error(t, CheckDeviceMatrix(devices))
}

func TestCheckRunPolicy(t *testing.T) {
	ok := store.RunPolicy{WarmupRuns: 1, MeasurementRepeats: MinMeasurementReps, MaxNewTokens: MaxNewTokensCeil, TimeoutMinutes: MinTimeoutMinutes}
	require.NoError(t, CheckRunPolicy(ok))

	tooFewReps := ok
	tooFewReps.MeasurementRepeats = MinMeasurementReps - 1
	require.Error(t, CheckRunPolicy(tooFewReps))

	tooManyReps := ok
	tooManyReps.MeasurementRepeats = MaxMeasurementReps + 1
	require.Error(t, CheckRunPolicy(tooManyReps))

	tooManyTokens := ok
	tooManyTokens.MaxNewTokens = MaxNewTokensCeil + 1
	require.Error(t, CheckRunPolicy(tooManyTokens))

	timeoutTooLow := ok
	timeoutTooLow.TimeoutMinutes = MinTimeoutMinutes - 1
	require.Error(t, CheckRunPolicy(timeoutTooLow))

	timeoutTooHigh := ok
	timeoutTooHigh.TimeoutMinutes = MaxTimeoutMinutes + 1
	require.Error(t, CheckRunPolicy(timeoutTooHigh))
}
