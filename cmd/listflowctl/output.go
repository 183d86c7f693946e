package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/pitabwire/listflow/model"
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
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render() + "\n"
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *commandContext) printItems(cmd *cobra.Command, items ...model.Item) error {
	if *c.jsonFlag {
		if len(items) == 1 {
			return writeJSON(cmd, items[0])
		}
		if items == nil {
			items = []model.Item{}
		}
		return writeJSON(cmd, items)
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			string(it.Stage),
			string(it.Status),
			it.ContentString(model.ContentTitle),
			it.CreatedBy,
			it.CreatedAt.Format(time.RFC3339),
			fmt.Sprint(it.Version),
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Stage", "Status", "Title", "Owner", "Created", "Version"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}

func (c *commandContext) printItemDetail(cmd *cobra.Command, it model.Item) error {
	if *c.jsonFlag {
		return writeJSON(cmd, it)
	}

	rows := [][]string{
		{"ID", it.ID},
		{"Stage", string(it.Stage)},
		{"Status", string(it.Status)},
		{"Owner", it.CreatedBy},
		{"Photos", strings.Join(it.PhotoRefs, ", ")},
		{"Created", it.CreatedAt.Format(time.RFC3339)},
		{"Updated", it.UpdatedAt.Format(time.RFC3339)},
		{"Version", fmt.Sprint(it.Version)},
	}
	if it.LastError != "" {
		rows = append(rows, []string{"Last error", it.LastError})
	}
	keys := make([]string, 0, len(it.Content))
	for k := range it.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{"content." + k, fmt.Sprint(it.Content[k])})
	}

	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
	return nil
}

func (c *commandContext) printActions(cmd *cobra.Command, actions []model.WorkflowAction) error {
	if *c.jsonFlag {
		if actions == nil {
			actions = []model.WorkflowAction{}
		}
		return writeJSON(cmd, actions)
	}

	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []string{
			a.Timestamp.Format(time.RFC3339),
			a.Action,
			string(a.FromStage),
			string(a.ToStage),
			a.UserID,
			a.Notes,
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable(
		[]string{"Time", "Action", "From", "To", "User", "Notes"},
		rows,
		nil,
	))
	return nil
}
