package fairness

import (
	"math"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/shopspring/decimal"
)

const (
	MaxMultiplier = 100.0

	MinFlight = 2 * time.Second
	MaxFlight = 20 * time.Second

	// position reaches the end of its arc after this long
	positionSpan = 10 * time.Second
)

// CurrentMultiplier is 1 + t^1.5/5 for t seconds into the flight, capped at
// MaxMultiplier. It is 1 for t <= 0.
func CurrentMultiplier(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	m := 1 + math.Pow(elapsed.Seconds(), 1.5)/5
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}

// PlanePosition is display only and never persisted as authoritative state.
func PlanePosition(elapsed time.Duration) models.Position {
	p := float64(elapsed) / float64(positionSpan)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return models.Position{
		X: 10 + p*70,
		Y: 80 - math.Sin(p*math.Pi*0.8)*50,
	}
}

// FlightDuration bounds how long a round may fly: two seconds per unit of
// the target multiplier, clamped to [MinFlight, MaxFlight].
func FlightDuration(target decimal.Decimal) time.Duration {
	d := time.Duration(target.Mul(decimal.NewFromInt(2000)).IntPart()) * time.Millisecond
	if d < MinFlight {
		return MinFlight
	}
	if d > MaxFlight {
		return MaxFlight
	}
	return d
}
