package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is satisfied by any value that can lay itself out as a
// table: a header row plus zero or more data rows.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

// borderless returns a tablewriter.Table with the teacher's established
// compact, borderless rendering style applied.
func borderless(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// PrintTable renders data as a borderless, left-aligned table.
func PrintTable(w io.Writer, data TableRenderer) error {
	t := borderless(w)
	t.SetAutoFormatHeaders(true)
	t.SetColumnSeparator("")
	t.SetHeader(data.Headers())
	for _, row := range data.Rows() {
		t.Append(row)
	}
	t.Render()
	return nil
}

// SimpleTable renders pairs as a two-column, headerless key:value table.
func SimpleTable(w io.Writer, pairs [][2]string) error {
	t := borderless(w)
	t.SetAutoFormatHeaders(false)
	t.SetColumnSeparator(":")
	for _, pair := range pairs {
		t.Append(pair[:])
	}
	t.Render()
	return nil
}

// TableData is an ad-hoc TableRenderer for callers with no dedicated type
// to hang Headers/Rows off of.
type TableData struct {
	headers []string
	rows    [][]string
}

// NewTableData constructs an empty TableData with the given column headers.
func NewTableData(headers ...string) *TableData {
	return &TableData{headers: headers}
}

// AddRow appends one data row.
func (t *TableData) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *TableData) Headers() []string { return t.headers }
func (t *TableData) Rows() [][]string  { return t.rows }
