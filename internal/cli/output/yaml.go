package output

import (
	"io"

	"gopkg.in/yaml.v3"
)

// yamlIndent is the indent width used for all YAML output; two spaces
// matches the rest of the CLI's rendered config examples.
const yamlIndent = 2

// PrintYAML writes data to w as YAML.
func PrintYAML(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(yamlIndent)
	if err := enc.Encode(data); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}
