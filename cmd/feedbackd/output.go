package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
)

// maxLineSize bounds one JSON Lines record; embeddings make lines long.
const maxLineSize = 4 * 1024 * 1024

// readRawItems decodes one raw item per line. Blank lines are skipped.
// defaultAgent fills in items without an agent.
func readRawItems(r io.Reader, defaultAgent string) ([]feedback.RawItem, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var items []feedback.RawItem
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var item feedback.RawItem
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		item.ID = 0
		if item.Agent == "" {
			item.Agent = defaultAgent
		}
		if item.Agent == "" {
			return nil, fmt.Errorf("line %d: %w", line, feedback.ErrEmptyAgent)
		}
		if item.Status == "" {
			item.Status = feedback.RawActive
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return items, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printImport(w io.Writer, saved []feedback.RawItem) error {
	if outputJSON {
		return writeJSON(w, map[string]any{"imported": len(saved), "ids": idsOf(saved)})
	}
	if len(saved) == 0 {
		fmt.Fprintln(w, "no items imported")
		return nil
	}
	fmt.Fprintf(w, "imported %d item(s), ids %d-%d\n", len(saved), saved[0].ID, saved[len(saved)-1].ID)
	return nil
}

func idsOf(items []feedback.RawItem) []int64 {
	ids := make([]int64, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	return ids
}

// printState renders an operation document.
func printState(w io.Writer, s *operation.State) error {
	if outputJSON {
		return writeJSON(w, s)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Operation:\t%s\n", s.OperationID)
	fmt.Fprintf(tw, "Service:\t%s\n", s.Service)
	fmt.Fprintf(tw, "Scope:\t%s\n", s.Scope)
	fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
	fmt.Fprintf(tw, "Started:\t%s\n", s.StartedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s (%s)\n", s.CompletedAt.Format(time.RFC3339), s.Elapsed(time.Now()).Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "Units:\t%d/%d processed, %d succeeded, %d failed\n",
		s.ProcessedUnits, s.TotalUnits, s.SuccessfulUnits, s.FailedUnits)
	if s.CurrentUnit != "" && !s.Terminal() {
		fmt.Fprintf(tw, "Current unit:\t%s\n", s.CurrentUnit)
	}
	if s.CancellationRequested {
		fmt.Fprintf(tw, "Cancellation:\trequested\n")
	}
	if s.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", s.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Stats) > 0 {
		keys := make([]string, 0, len(s.Stats))
		for k := range s.Stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "\nStats:")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%d\n", k, s.Stats[k])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(s.FailedUnitList) > 0 {
		fmt.Fprintln(w, "\nFailed units:")
		for _, f := range s.FailedUnitList {
			fmt.Fprintf(w, "  %s: %s\n", f.Unit, f.Error)
		}
	}
	return nil
}

// printItems renders consolidated items one block each.
func printItems(w io.Writer, items []feedback.ConsolidatedItem) error {
	if outputJSON {
		if items == nil {
			items = []feedback.ConsolidatedItem{}
		}
		return writeJSON(w, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "no items")
		return nil
	}
	for i, item := range items {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "#%d v%d [%s] %s\n", item.ID, item.Version, item.Scope.Key(), item.Payload.Title)
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(item.Payload.Content, "\n", "\n  "))
		if len(item.Payload.Tags) > 0 {
			fmt.Fprintf(w, "  tags: %s\n", strings.Join(item.Payload.Tags, ", "))
		}
		fmt.Fprintf(w, "  sources: %v\n", item.SourceIDs)
	}
	return nil
}
