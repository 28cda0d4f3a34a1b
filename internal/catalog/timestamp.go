package catalog

import "time"

// TimestampLayout is the canonical backup_time / snapshot name format:
// fixed-width, host local wall clock, YYYYMMDD_HHMMSS.
const TimestampLayout = "20060102_150405"

// ParseTimestamp validates s under TimestampLayout.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

// ValidTimestamp reports whether s parses under TimestampLayout.
func ValidTimestamp(s string) bool {
	_, err := ParseTimestamp(s)
	return err == nil
}

// ObjectKey builds the persisted object layout key
// <prefix?>/<filesystem>/<name>, omitting the prefix segment when empty.
func ObjectKey(prefix, filesystem, name string) string {
	if prefix == "" {
		return filesystem + "/" + name
	}
	return prefix + "/" + filesystem + "/" + name
}
