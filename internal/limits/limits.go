// Package limits enforces the per-run and per-pipeline ceilings from spec
// §4 (and the limits table in spec §3) before a pipeline or run is allowed
// to queue, surfacing LIMIT_EXCEEDED uniformly rather than letting each
// caller invent its own bound.
package limits

import (
	"fmt"

	"github.com/edgegate/edgegate/internal/apierr"
	"github.com/edgegate/edgegate/internal/store"
)

const (
	MaxModelBytes      = 500 * 1024 * 1024
	MaxCases           = 50
	MaxDevices         = 5
	MinMeasurementReps = 1
	MaxMeasurementReps = 5
	MaxNewTokensCeil   = 256
	MinTimeoutMinutes  = 1
	MaxTimeoutMinutes  = 45
)

func CheckModelSize(bytes int64) error {
	if bytes > MaxModelBytes {
		return apierr.New(apierr.LimitExceeded, fmt.Sprintf("model exceeds %d byte limit", MaxModelBytes))
	}
	return nil
}

func CheckCaseCount(n int) error {
	if n > MaxCases {
		return apierr.New(apierr.LimitExceeded, fmt.Sprintf("promptpack has %d cases, limit is %d", n, MaxCases))
	}
	return nil
}

func CheckDeviceMatrix(devices []string) error {
	if len(devices) == 0 {
		return apierr.New(apierr.LimitExceeded, "device matrix must list at least one device")
	}
	if len(devices) > MaxDevices {
		return apierr.New(apierr.LimitExceeded, fmt.Sprintf("device matrix has %d entries, limit is %d", len(devices), MaxDevices))
	}
	return nil
}

// CheckRunPolicy validates measurement_repeats, max_new_tokens and
// timeout_minutes against spec §3's bounds.
func CheckRunPolicy(p store.RunPolicy) error {
	if p.MeasurementRepeats < MinMeasurementReps || p.MeasurementRepeats > MaxMeasurementReps {
		return apierr.New(apierr.LimitExceeded, fmt.Sprintf("measurement_repeats must be in [%d,%d]", MinMeasurementReps, MaxMeasurementReps))
	}
	if p.MaxNewTokens <= 0 || p.MaxNewTokens > MaxNewTokensCeil {
		return apierr.New(apierr.LimitExceeded, fmt.Sprintf("max_new_tokens must be in (0,%d]", MaxNewTokensCeil))
	}
	if p.TimeoutMinutes < MinTimeoutMinutes || p.TimeoutMinutes > MaxTimeoutMinutes {
		return apierr.New(apierr.LimitExceeded, fmt.Sprintf("timeout_minutes must be in [%d,%d]", MinTimeoutMinutes, MaxTimeoutMinutes))
	}
	if p.WarmupRuns < 0 {
		return apierr.New(apierr.LimitExceeded, "warmup_runs cannot be negative")
	}
	return nil
}
