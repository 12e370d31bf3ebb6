package agent

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by Start when the child is alive.
var ErrAlreadyRunning = errors.New("agent process already running")

// ErrNotRunning is returned by stdin operations when no child is alive.
var ErrNotRunning = errors.New("agent process not running")

// PermanentFailureError marks a child exit that no resume can fix: expired
// authentication, an incompatible CLI version, a spawn failure. The session
// surfaces it to the thread and stops auto-resuming.
type PermanentFailureError struct {
	// Indicator is the matched stderr substring, or "spawn" for exec errors.
	Indicator string
	Detail    string
}

func (e *PermanentFailureError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent failed permanently: %s", e.Indicator)
	}
	return fmt.Sprintf("agent failed permanently (%s): %s", e.Indicator, e.Detail)
}

// IsPermanentFailure reports whether err carries a PermanentFailureError.
func IsPermanentFailure(err error) bool {
	var pf *PermanentFailureError
	return errors.As(err, &pf)
}
