package client

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/Arun445/tcp-bench/internal/report"
)

// WriteSummary renders one row per worker and a total row. The total rate is
// the sum of bytes over the longest worker run.
func WriteSummary(w io.Writer, results []Result) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Worker", "Local", "Remote", "Sent", "Bytes", "Secs", "Mbps", "Error"})

	var total uint64
	var longest time.Duration
	failed := 0
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
			failed++
		}
		table.Append([]string{
			strconv.Itoa(r.Worker),
			r.Local,
			r.Remote,
			humanize.IBytes(r.Bytes),
			strconv.FormatUint(r.Bytes, 10),
			fmt.Sprintf("%.3f", r.Elapsed.Seconds()),
			fmt.Sprintf("%.1f", r.Mbps()),
			errText,
		})
		total += r.Bytes
		if r.Elapsed > longest {
			longest = r.Elapsed
		}
	}

	table.SetFooter([]string{
		"total",
		"",
		"",
		humanize.IBytes(total),
		strconv.FormatUint(total, 10),
		fmt.Sprintf("%.3f", longest.Seconds()),
		fmt.Sprintf("%.1f", report.Mbps(longest.Seconds(), total)),
		fmt.Sprintf("%d failed", failed),
	})
	table.Render()
}
