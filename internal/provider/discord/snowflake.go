package discord

import (
	"fmt"
	"strconv"
	"time"
)

// discordEpoch is the first millisecond of 2015, in Unix milliseconds.
const discordEpoch int64 = 1420070400000

// SnowflakeFromTime returns the smallest snowflake minted at t.
func SnowflakeFromTime(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}

// TimeFromSnowflake returns the instant a snowflake was minted.
func TimeFromSnowflake(id string) (time.Time, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snowflake %q: %w", id, err)
	}
	return time.UnixMilli(int64(v>>22) + discordEpoch).UTC(), nil
}

func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
