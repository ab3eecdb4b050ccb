package ui

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// estimate returns the time left to move remaining bytes at the given rate.
func estimate(remaining int64, bytesPerSec float64) string {
	switch {
	case remaining <= 0:
		return "0s"
	case bytesPerSec <= 0:
		return "Calculating..."
	}
	d := time.Duration(float64(remaining) / bytesPerSec * float64(time.Second))
	if d > 24*time.Hour {
		return "> 1d"
	}
	return d.Round(time.Second).String()
}

func truncatePath(p string, n int) string {
	if len(p) <= n {
		return p
	}
	return "..." + p[len(p)-(n-3):]
}
