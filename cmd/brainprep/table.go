package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column; numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

var batchColumns = []column{
	{"Subject", true},
	{"Status", false},
	{"Stage", false},
	{"Duration", true},
	{"Brain", true},
	{"GM (ml)", true},
	{"WM (ml)", true},
	{"CSF (ml)", true},
	{"Error", false},
}

var historyColumns = []column{
	{"ID", true},
	{"Started", false},
	{"Subject", true},
	{"Status", false},
	{"Stage", false},
	{"Kind", false},
	{"Duration", true},
	{"GM (ml)", true},
	{"WM (ml)", true},
	{"CSF (ml)", true},
}

func renderTable(columns []column, rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		header[i] = c.title
		configs[i] = table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
		if c.numeric {
			configs[i].Align = text.AlignRight
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
