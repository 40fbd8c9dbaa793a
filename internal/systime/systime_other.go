//go:build !linux

package systime

import "time"

var start = time.Now()

func monotonic() int64 {
	return int64(time.Since(start))
}
