package websocket

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"
)

// StatsFields returns the stats as log fields for the periodic stats line
func StatsFields(s Stats) []zap.Field {
	return []zap.Field{
		zap.Int("refresh", s.Refreshed),
		zap.Int("updates", s.Updated),
		zap.Int("status", s.StatusReceived),
		zap.Int("pings", s.Pings),
		zap.String("elapsed", fmt.Sprintf("%.2fsecs", s.Elapsed.Seconds())),
	}
}

// RenderStats writes the final statistics table
func RenderStats(w io.Writer, s Stats, reason ShutdownReason) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Session statistics")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Requested", s.Requested},
		{"Refresh", s.Refreshed},
		{"Updates", s.Updated},
		{"Status", s.StatusReceived},
		{"Closed/Suspect", s.ClosedWithSuspect},
		{"Pings", s.Pings},
	})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Elapsed", fmt.Sprintf("%.2fs", s.Elapsed.Seconds())})
	if reason != ReasonNone {
		t.AppendRow(table.Row{"Ended", reason.String()})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}
