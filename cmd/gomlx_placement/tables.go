package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	warnRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// table wraps a lipgloss table, highlighting the rows marked as warnings.
type table struct {
	*lgtable.Table
	count int
	warns map[int]bool
}

// Add a row, highlighted if warn is set.
func (t *table) Add(warn bool, row ...string) {
	if warn {
		t.warns[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

// newTable creates a table with the given header. The alignment of the columns is given by alignments, and
// the last one is used for any remaining columns.
func newTable(header []string, alignments ...lipgloss.Position) *table {
	t := &table{warns: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case t.warns[row]:
				s = warnRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
	if len(header) > 0 {
		t.Headers(header...)
	}
	return t
}
