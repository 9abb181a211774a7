//go:build !linux && !darwin

package observability

import "time"

func cpuTimes() (user, system time.Duration) {
	return 0, 0
}
