package merge

// Flight is the process-wide merge-in-progress lock. A second caller is
// refused immediately rather than queued, so the scheduler and manual merges
// can never run concurrently.
type Flight struct {
	slot chan struct{}
}

func NewFlight() *Flight {
	return &Flight{slot: make(chan struct{}, 1)}
}

// TryAcquire claims the flight without blocking. False means a merge is
// already in progress.
func (f *Flight) TryAcquire() bool {
	select {
	case f.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the flight. Releasing an idle flight is a no-op, so an
// abandoned run exiting late cannot deadlock its goroutine.
func (f *Flight) Release() {
	select {
	case <-f.slot:
	default:
	}
}

// Busy reports whether a merge currently holds the flight.
func (f *Flight) Busy() bool {
	return len(f.slot) == 1
}
