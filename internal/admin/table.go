package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// table is the row/column shape shared by the listing verbs. It renders
// to the format requested with format=: json (array of objects), debug
// (an HTML table) or plain aligned text.
type table struct {
	names []string
	rows  [][]string
}

func newTable(names ...string) *table {
	return &table{names: names}
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// render returns the formatted content and its mime type.
func (t *table) render(format string) (string, string, error) {
	switch format {
	case "json":
		out := make([]map[string]string, 0, len(t.rows))
		for _, row := range t.rows {
			obj := make(map[string]string, len(t.names))
			for i, name := range t.names {
				if i < len(row) {
					obj[name] = row[i]
				}
			}
			out = append(out, obj)
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return "", "", err
		}
		return string(buf), mimeFor(format), nil

	case "debug":
		var sb strings.Builder
		sb.WriteString("<table border=\"1\"><tr>")
		for _, name := range t.names {
			fmt.Fprintf(&sb, "<th>%s</th>", html.EscapeString(name))
		}
		sb.WriteString("</tr>")
		for _, row := range t.rows {
			sb.WriteString("<tr>")
			for _, cell := range row {
				fmt.Fprintf(&sb, "<td>%s</td>", html.EscapeString(cell))
			}
			sb.WriteString("</tr>")
		}
		sb.WriteString("</table>")
		return sb.String(), mimeFor(format), nil

	default:
		widths := make([]int, len(t.names))
		for i, name := range t.names {
			widths[i] = len(name)
		}
		for _, row := range t.rows {
			for i, cell := range row {
				if i < len(widths) && len(cell) > widths[i] {
					widths[i] = len(cell)
				}
			}
		}

		var sb strings.Builder
		writeRow := func(cells []string) {
			for i, cell := range cells {
				if i > 0 {
					sb.WriteString("  ")
				}
				fmt.Fprintf(&sb, "%-*s", widths[i], cell)
			}
			sb.WriteString("\n")
		}
		writeRow(t.names)
		for _, row := range t.rows {
			writeRow(row)
		}
		return sb.String(), mimeFor(format), nil
	}
}
