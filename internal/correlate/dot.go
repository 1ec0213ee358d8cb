package correlate

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// WriteDOT renders the graph in Graphviz dot syntax. When subgraph is set,
// nodes are clustered by execution context so per-thread chains render as
// their own boxes.
func WriteDOT(w io.Writer, graph *Graph, subgraph bool) error {
	index := make(map[*Node]int, len(graph.Nodes))
	for i, node := range graph.Nodes {
		index[node] = i
	}

	if _, err := fmt.Fprintln(w, "digraph trace {"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "\trankdir=LR;"); err != nil {
		return err
	}

	if subgraph {
		clusters := make(map[string][]int)
		for i, node := range graph.Nodes {
			key := contextKey(node.Event)
			clusters[key] = append(clusters[key], i)
		}
		keys := make([]string, 0, len(clusters))
		for key := range clusters {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for ci, key := range keys {
			if _, err := fmt.Fprintf(w, "\tsubgraph cluster_%d {\n\t\tlabel=%q;\n", ci, key); err != nil {
				return err
			}
			for _, i := range clusters[key] {
				if err := writeNode(w, "\t\t", i, graph.Nodes[i]); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintln(w, "\t}"); err != nil {
				return err
			}
		}
	} else {
		for i, node := range graph.Nodes {
			if err := writeNode(w, "\t", i, node); err != nil {
				return err
			}
		}
	}

	for i, node := range graph.Nodes {
		for _, next := range node.Edges {
			if _, err := fmt.Fprintf(w, "\tn%d -> n%d;\n", i, index[next]); err != nil {
				return err
			}
		}
	}

	_, err := fmt.Fprintln(w, "}")
	return err
}

func writeNode(w io.Writer, indent string, i int, node *Node) error {
	label := fmt.Sprintf("%s\\n%s-%d", node.Event.Name, node.Event.Comm, node.Event.PID)
	if summary := node.Info.Summary(); summary != "" {
		label += "\\n" + summary
	}
	attrs := ""
	if node.Info.Annotated() {
		attrs = " style=filled fillcolor=orange"
	}
	_, err := fmt.Fprintf(w, "%sn%d [label=\"%s\"%s];\n", indent, i, label, attrs)
	return err
}

// WriteDOTFile writes the graph description to path.
func WriteDOTFile(path string, graph *Graph, subgraph bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := WriteDOT(f, graph, subgraph); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
