package socketclient

import "time"

// Timer es un temporizador cancelable.
type Timer interface {
	Stop() bool
}

// Clock programa callbacks diferidos. Los tests usan uno manual.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock devuelve el reloj del sistema.
func RealClock() Clock {
	return realClock{}
}
