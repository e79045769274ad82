package session

import (
	"fmt"
	"time"
)

// TimeoutError reports a wait whose terminator never appeared. Partial is
// the unread output at the moment of the timeout; it never represents a
// completed command.
type TimeoutError struct {
	Session string
	Pattern string
	Timeout time.Duration
	Partial string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s waiting for %q", e.Session, e.Timeout, e.Pattern)
}

// ExitedError reports that the front-end exited before the pattern appeared.
type ExitedError struct {
	Session string
	Pattern string
	Partial string
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("%s: front-end exited while waiting for %q", e.Session, e.Pattern)
}

// MemoryAccessError is the debugger reporting that an address cannot be read
// or written.
type MemoryAccessError struct {
	Address uint64
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("cannot access memory at address 0x%x", e.Address)
}
