package common

import (
	"fmt"
)

const GiB = int64(1 << 30)

func FormatTraffic(trafficBytes int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	unitIndex := 0
	size := float64(trafficBytes)
	sign := ""
	if size < 0 {
		sign = "-"
		size = -size
	}

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}
	return fmt.Sprintf("%s%.2f%s", sign, size, units[unitIndex])
}
