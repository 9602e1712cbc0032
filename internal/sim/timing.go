package sim

import "time"

// Timing holds the simulated-time constants of a vehicle run. Every pause is
// divided by SpeedMultiplier before it is slept.
type Timing struct {
	StartDelay      time.Duration
	Step            time.Duration
	DwellMin        time.Duration
	DwellMax        time.Duration
	Turnaround      time.Duration
	SpeedMultiplier float64
	DefaultSpeedKmh float64
}

func DefaultTiming() Timing {
	return Timing{
		StartDelay:      2 * time.Second,
		Step:            200 * time.Millisecond,
		DwellMin:        5 * time.Second,
		DwellMax:        8 * time.Second,
		Turnaround:      10 * time.Second,
		SpeedMultiplier: 1,
		DefaultSpeedKmh: 25,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Step <= 0 {
		t.Step = d.Step
	}
	if t.SpeedMultiplier <= 0 {
		t.SpeedMultiplier = d.SpeedMultiplier
	}
	if t.DefaultSpeedKmh <= 0 {
		t.DefaultSpeedKmh = d.DefaultSpeedKmh
	}
	if t.DwellMax < t.DwellMin {
		t.DwellMax = t.DwellMin
	}
	return t
}

func (t Timing) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) / t.SpeedMultiplier)
}
