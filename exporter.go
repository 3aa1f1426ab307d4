package dagpipe

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/m1gwings/treedrawer/tree"
)

// ErrNilWriter indicates that a nil writer was provided to an exporter.
var ErrNilWriter = errors.New("dagpipe: nil writer")

// DOTOption configures the behaviour of ExportDOT.
type DOTOption func(*dotConfig)

type dotConfig struct {
	graphName string
	rankDir   string
}

func defaultDOTConfig(p *Pipeline) dotConfig {
	name := p.entry.name
	if name == "" {
		name = "dagpipe"
	}
	return dotConfig{
		graphName: name,
		rankDir:   "LR",
	}
}

// DOTWithGraphName overrides the DOT graph identifier.
func DOTWithGraphName(name string) DOTOption {
	return func(cfg *dotConfig) {
		if name != "" {
			cfg.graphName = name
		}
	}
}

// DOTWithRankDir sets the rank direction (e.g. "LR", "TB") for the exported DOT graph.
func DOTWithRankDir(rankDir string) DOTOption {
	return func(cfg *dotConfig) {
		if rankDir != "" {
			cfg.rankDir = rankDir
		}
	}
}

// ExportDOT renders the pipeline in Graphviz DOT format. Tasks are emitted
// in evaluation order under positional identifiers with their display names
// as labels, since several tasks may share a name. Edges consuming a single
// output slot are labelled with the slot name.
func ExportDOT(w io.Writer, p *Pipeline, opts ...DOTOption) error {
	if w == nil {
		return ErrNilWriter
	}

	cfg := defaultDOTConfig(p)
	for _, opt := range opts {
		opt(&cfg)
	}

	tasks := p.Tasks()
	ids := make(map[*Task]string, len(tasks))
	for i, t := range tasks {
		ids[t] = fmt.Sprintf("t%d", i)
	}

	if _, err := fmt.Fprintf(w, "digraph %s {\n", dotQuoteIdentifier(cfg.graphName)); err != nil {
		return err
	}
	if cfg.rankDir != "" {
		if _, err := fmt.Fprintf(w, "    rankdir=%s;\n", cfg.rankDir); err != nil {
			return err
		}
	}

	for _, t := range tasks {
		if _, err := fmt.Fprintf(w, "    %s [label=%s];\n", dotQuoteIdentifier(ids[t]), dotQuoteIdentifier(t.name)); err != nil {
			return err
		}
	}

	for _, e := range p.Edges() {
		if e.Slot >= 0 {
			if _, err := fmt.Fprintf(w, "    %s -> %s [label=%s];\n", dotQuoteIdentifier(ids[e.From]), dotQuoteIdentifier(ids[e.To]), dotQuoteIdentifier(e.From.SlotName(e.Slot))); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "    %s -> %s;\n", dotQuoteIdentifier(ids[e.From]), dotQuoteIdentifier(ids[e.To])); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "}\n")
	return err
}

func dotQuoteIdentifier(name string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range name {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// ExportTree draws the pipeline as a box tree rooted at the entry task,
// following consumer edges breadth-first. A task consumed by several
// downstream tasks appears under its first consumer only, so the drawing
// is a spanning tree of the graph rather than the full graph.
func ExportTree(w io.Writer, p *Pipeline) error {
	if w == nil {
		return ErrNilWriter
	}

	consumers := make(map[*Task][]*Task)
	for _, e := range p.Edges() {
		consumers[e.From] = append(consumers[e.From], e.To)
	}

	root := tree.NewTree(tree.NodeString(p.entry.name))
	type item struct {
		task *Task
		node *tree.Tree
	}
	seen := map[*Task]bool{p.entry: true}
	children := make(map[*tree.Tree]int)
	queue := []item{{p.entry, root}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		for _, c := range consumers[it.task] {
			if seen[c] {
				continue
			}
			seen[c] = true
			it.node.AddChild(tree.NodeString(c.name))
			child, err := it.node.Child(children[it.node])
			if err != nil {
				return err
			}
			children[it.node]++
			queue = append(queue, item{c, child})
		}
	}

	_, err := fmt.Fprintln(w, root)
	return err
}
