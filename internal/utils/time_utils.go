package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses a duration string like "30s", "5m", "48h" or
// "2d". Invalid input logs an error and yields zero.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(timeString)
	for _, tu := range timeUnits {
		cutString, _, found := strings.Cut(timeString, tu.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * tu.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
