package scheduler

// throttle lets the scheduling passes run on the first tick and then once
// every check ticks.
type throttle struct {
	check   int
	counter int
}

func newThrottle(check int) throttle {
	return throttle{check: check, counter: check - 1}
}

func (t *throttle) tick() bool {
	t.counter++
	if t.counter >= t.check {
		t.counter = 0
		return true
	}
	return false
}
