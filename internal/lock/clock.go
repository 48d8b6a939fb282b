package lock

import "time"

// Clock supplies the time used for lease expiry checks. Production code uses
// SystemClock; tests inject a fake to exercise expiry without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }
