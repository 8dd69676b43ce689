package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// WriteTable renders up to topK rows (all when topK <= 0) as an aligned table.
func WriteTable(w io.Writer, rows []Record, topK int) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No processes matched current filters")
		return err
	}
	if topK > 0 && len(rows) > topK {
		rows = rows[:topK]
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tTRAFFIC(MB)\tCPU(%)\tMEM(%)\tTHREADS\tPOLICY")
	for _, row := range rows {
		traffic := fmt.Sprintf("%.2f", row.TrafficUsageMB)
		if row.IODenied {
			traffic = "denied"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.1f\t%.1f\t%d\t%s\n",
			row.PID, row.Name, traffic, row.CPUPercent, row.MemoryPercent, row.NumThreads, PolicyLabel(row))
	}
	return tw.Flush()
}
