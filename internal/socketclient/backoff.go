package socketclient

import "time"

// Backoff es la política de reconexión: Base * Multiplier^(n-1), con tope Max y MaxAttempts intentos.
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Multiplier:  2,
		Max:         10 * time.Second,
		MaxAttempts: 5,
	}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// NextDelay devuelve la espera antes del intento attempt (base 1).
func (b Backoff) NextDelay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(delay)
}

// Exhausted indica si attempt supera el máximo permitido.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.normalized().MaxAttempts
}
