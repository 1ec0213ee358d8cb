package correlate

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

// WriteResults renders the correlation summary as character-separated rows:
// a totals section followed by one row set per event category.
func WriteResults(w io.Writer, graph *Graph) error {
	cw := csv.NewWriter(w)

	totals := [][]string{
		{"metric", "value"},
		{"total_events", strconv.Itoa(graph.TotalEvents)},
		{"trimmed_events", strconv.Itoa(graph.TrimmedEvents)},
		{"capped_events", strconv.Itoa(graph.CappedEvents)},
		{"graph_nodes", strconv.Itoa(len(graph.Nodes))},
	}
	if err := cw.WriteAll(totals); err != nil {
		return fmt.Errorf("write totals: %w", err)
	}

	type category struct {
		count     int
		firstUS   int64
		lastUS    int64
		annotated int
		dvfs      int
		realloc   int
	}
	categories := make(map[string]*category)
	for _, node := range graph.Nodes {
		c, ok := categories[node.Event.Name]
		if !ok {
			c = &category{firstUS: node.Event.TimestampUS}
			categories[node.Event.Name] = c
		}
		c.count++
		c.lastUS = node.Event.TimestampUS
		if node.Info.Annotated() {
			c.annotated++
		}
		if node.Info.DVFS {
			c.dvfs++
		}
		if node.Info.Realloc {
			c.realloc++
		}
	}

	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := [][]string{
		{"event", "count", "first_us", "last_us", "annotated", "dvfs", "realloc"},
	}
	for _, name := range names {
		c := categories[name]
		rows = append(rows, []string{
			name,
			strconv.Itoa(c.count),
			strconv.FormatInt(c.firstUS, 10),
			strconv.FormatInt(c.lastUS, 10),
			strconv.Itoa(c.annotated),
			strconv.Itoa(c.dvfs),
			strconv.Itoa(c.realloc),
		})
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write categories: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteResultsFile writes the summary to path.
func WriteResultsFile(path string, graph *Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	if err := WriteResults(f, graph); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
