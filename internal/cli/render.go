package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/ChuLiYu/sjs/internal/journal"
	"github.com/ChuLiYu/sjs/internal/protocol"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// humanOutput 只有輸出到終端機且未指定 --json 時才用表格
func humanOutput(w io.Writer) bool {
	if jsonOutput {
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// printReply 輸出一般回應：終端機顯示訊息，否則輸出原始 JSON
func printReply(w io.Writer, reply protocol.Reply, raw json.RawMessage) {
	if !humanOutput(w) {
		writeRaw(w, raw, reply)
		return
	}
	if reply.Failed() {
		fmt.Fprintf(w, "error (%s): %s\n", reply.Code, reply.Message)
		return
	}
	fmt.Fprintln(w, reply.Message)
}

func writeRaw(w io.Writer, raw json.RawMessage, fallback any) {
	if len(raw) == 0 {
		data, err := json.Marshal(fallback)
		if err != nil {
			return
		}
		raw = data
	}
	fmt.Fprintln(w, string(raw))
}

func printStat(w io.Writer, reply protocol.Reply, raw json.RawMessage) {
	if !humanOutput(w) {
		writeRaw(w, raw, reply)
		return
	}

	fmt.Fprintln(w, renderTable(
		[]string{"Instance", "Uptime", "Running", "Max", "Hooks", "Queued"},
		[][]string{{
			reply.InstanceID,
			reply.Uptime,
			intOrDash(reply.JobsRunning),
			intOrDash(reply.MaxJobsRunning),
			intOrDash(reply.HooksRunning),
			intOrDash(reply.NumJobsQueued),
		}},
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if len(reply.JobsRunningList) > 0 {
		rows := make([][]string, 0, len(reply.JobsRunningList))
		for _, r := range reply.JobsRunningList {
			rows = append(rows, []string{
				strconv.FormatUint(uint64(r.JobID), 10),
				strconv.Itoa(r.PID),
				time.Since(r.StartedAt).Truncate(time.Second).String(),
				r.Command,
			})
		}
		fmt.Fprintln(w, "Running")
		fmt.Fprintln(w, renderTable([]string{"Job", "PID", "Elapsed", "Command"}, rows,
			[]columnAlignment{alignRight, alignRight, alignRight, alignLeft}))
	}

	if len(reply.JobsQueued) > 0 {
		rows := make([][]string, 0, len(reply.JobsQueued))
		for _, j := range reply.JobsQueued {
			rows = append(rows, []string{
				strconv.FormatUint(uint64(j.ID), 10),
				time.Since(j.EnqueuedAt).Truncate(time.Second).String(),
				j.Command,
			})
		}
		fmt.Fprintln(w, "Queued")
		fmt.Fprintln(w, renderTable([]string{"Job", "Waiting", "Command"}, rows,
			[]columnAlignment{alignRight, alignRight, alignLeft}))
	}
}

func printJournal(w io.Writer, events []journal.Event) {
	if !humanOutput(w) {
		enc := json.NewEncoder(w)
		for _, e := range events {
			enc.Encode(e)
		}
		return
	}

	rows := make([][]string, 0, len(events))
	for _, e := range events {
		job, pid := "", ""
		if e.JobID != 0 {
			job = strconv.FormatUint(uint64(e.JobID), 10)
		}
		if e.PID != 0 {
			pid = strconv.Itoa(e.PID)
		}
		detail := e.Command
		if e.Detail != "" {
			if detail != "" {
				detail += " | "
			}
			detail += e.Detail
		}
		rows = append(rows, []string{
			strconv.FormatUint(e.Seq, 10),
			time.UnixMilli(e.Timestamp).Format("2006-01-02 15:04:05.000"),
			string(e.Type),
			job,
			pid,
			detail,
		})
	}
	fmt.Fprintln(w, renderTable([]string{"Seq", "Time", "Event", "Job", "PID", "Detail"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
