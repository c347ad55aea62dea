package output

import (
	"encoding/json"
	"io"
)

// PrintJSON writes data to w as indented JSON.
func PrintJSON(w io.Writer, data any) error {
	return encodeJSON(w, data, "  ")
}

// PrintJSONCompact writes data to w as single-line JSON.
func PrintJSONCompact(w io.Writer, data any) error {
	return encodeJSON(w, data, "")
}

func encodeJSON(w io.Writer, data any, indent string) error {
	enc := json.NewEncoder(w)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(data)
}
