//go:build !unix

package audit

import "time"

// CPU time is not reported on this platform.
func processCPUTime() (time.Duration, bool) {
	return 0, false
}
