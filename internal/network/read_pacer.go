package network

import "time"

const (
	minReadPause = 5 * time.Millisecond
	maxReadPause = time.Second
)

// ReadPacer slows a read loop down while its socket keeps failing, the
// way net/http pauses Accept on temporary errors. A successful read
// resets it. The zero value is ready to use.
type ReadPacer struct {
	failures int
	pause    time.Duration
}

// Wait records a failed read and sleeps before the next attempt. It
// returns false if done is closed while waiting.
func (p *ReadPacer) Wait(done <-chan struct{}) bool {
	p.failures++
	if p.pause == 0 {
		p.pause = minReadPause
	} else if p.pause *= 2; p.pause > maxReadPause {
		p.pause = maxReadPause
	}

	t := time.NewTimer(p.pause)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// Reset clears the failure run after a successful read.
func (p *ReadPacer) Reset() {
	p.failures = 0
	p.pause = 0
}

// Failures is the number of consecutive failed reads.
func (p *ReadPacer) Failures() int {
	return p.failures
}

// Pause is the wait applied after the last failure.
func (p *ReadPacer) Pause() time.Duration {
	return p.pause
}
