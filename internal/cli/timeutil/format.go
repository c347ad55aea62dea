// Package timeutil formats timestamps for idscp2ctl's table and JSON output.
package timeutil

import "time"

// localFormat renders a time.Time the way a person reading a terminal
// expects a timestamp to look, in the local timezone.
const localFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime parses timestamp as RFC3339 and renders it in local time.
// A value that fails to parse is returned unchanged, since CLI output
// should degrade to the raw field rather than hide it.
func FormatTime(timestamp string) string {
	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return timestamp
	}
	return parsed.Local().Format(localFormat)
}
