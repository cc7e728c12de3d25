package replaylite

import (
	"fmt"
	"time"
)

// Future is the pending result of an activity or a timer.
type Future struct {
	r    *replayer
	seq  int64
	name string

	resolved bool
	result   []byte
	err      error
	at       time.Time
}

// IsReady reports whether Get would return without suspending.
func (f *Future) IsReady() bool {
	return f.resolved
}

// Get returns the recorded result. When the result is not in history yet
// the workflow is suspended here and resumed by a later replay, so Get
// must be called from the workflow goroutine.
//
// A recorded activity failure is returned as *ActivityError.
func (f *Future) Get(out ...interface{}) error {
	if !f.resolved {
		f.r.suspend()
	}
	f.r.observe(f)
	if f.err != nil {
		return f.err
	}
	if len(out) == 0 || out[0] == nil || len(f.result) == 0 {
		return nil
	}
	if err := f.r.codec.Unmarshal(f.result, out[0]); err != nil {
		return fmt.Errorf("decode result of %s: %w", f.name, err)
	}
	return nil
}
