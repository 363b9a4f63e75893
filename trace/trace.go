// Package trace renders the event log of one saga instance as a graph: the
// steps in the order they ran, then the compensations in the order they
// completed.
package trace

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/fortressi/saga"
)

// EdgeKind tells forward progress apart from compensation.
type EdgeKind int

const (
	Forward EdgeKind = iota
	Compensate
)

type Graph struct {
	*simple.DirectedGraph
	attrs encoding.Attributes

	Start    *Node
	End      *Node
	Steps    map[int]*Node
	Rollback *Node
	Pending  []int
}

func newGraph() *Graph {
	return &Graph{DirectedGraph: simple.NewDirectedGraph(), Steps: make(map[int]*Node)}
}

func (g *Graph) newNode(dotID, label string) *Node {
	n := &Node{Node: g.DirectedGraph.NewNode(), dotID: dotID}
	_ = n.SetAttribute(encoding.Attribute{Key: "label", Value: fmt.Sprintf("%q", label)})
	g.AddNode(n)
	return n
}

func (g *Graph) link(from, to *Node, kind EdgeKind) {
	e := &Edge{Edge: g.DirectedGraph.NewEdge(from, to), Kind: kind}
	if kind == Compensate {
		_ = e.SetAttribute(encoding.Attribute{Key: "color", Value: "red"})
		_ = e.SetAttribute(encoding.Attribute{Key: "style", Value: "dashed"})
	}
	g.SetEdge(e)
}

func (g *Graph) DOTAttributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &g.attrs, &encoding.Attributes{}, &encoding.Attributes{}
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// Node is a step of the saga, or one of the start, end and rollback
// markers. Step is -1 for markers.
type Node struct {
	graph.Node
	Step   int
	Name   string
	Status saga.StepStatus
	dotID  string
	attrs  encoding.Attributes
}

// DOTID implements dot.Node.
func (n *Node) DOTID() string {
	return n.dotID
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

type Edge struct {
	graph.Edge
	Kind  EdgeKind
	attrs encoding.Attributes
}

func (e *Edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *Edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}

var statusColor = map[saga.StepStatus]string{
	saga.StepPrecalled:   "orange",
	saga.StepCalled:      "green",
	saga.StepFailed:      "red",
	saga.StepCompensated: "gray",
}

// Build checks logs and turns them into a graph. It fails on a log the
// engine could not have written.
func Build(logs []saga.EventLog) (*Graph, error) {
	check := saga.NewLogCheck()
	for _, l := range logs {
		if err := check.Record(l); err != nil {
			return nil, fmt.Errorf("invalid event log: %w", err)
		}
	}

	g := newGraph()
	g.Start = g.newNode("start", "start")
	g.Start.Step = -1

	prev := g.Start
	var undo *Node
	for _, l := range logs {
		switch l.Kind {
		case saga.KindPrecall:
			n := g.newNode(fmt.Sprintf("S%03d", l.StepIndex), fmt.Sprintf("S%03d %s", l.StepIndex, l.Name))
			n.Step = l.StepIndex
			n.Name = l.Name
			g.Steps[l.StepIndex] = n
			g.link(prev, n, Forward)
			prev = n
		case saga.KindRollback:
			g.Rollback = g.newNode("rollback", "rollback")
			g.Rollback.Step = -1
			g.link(prev, g.Rollback, Forward)
			undo = g.Rollback
		case saga.KindInverse:
			if n, ok := g.Steps[l.StepIndex]; ok && undo != nil {
				g.link(undo, n, Compensate)
				undo = n
			}
		}
	}

	for idx, n := range g.Steps {
		n.Status = check.Status(idx)
		if color, ok := statusColor[n.Status]; ok {
			_ = n.SetAttribute(encoding.Attribute{Key: "color", Value: color})
		}
	}
	g.Pending = check.Pending()

	switch {
	case g.Rollback == nil:
		g.End = g.newNode("end", "end")
		g.End.Step = -1
		g.link(prev, g.End, Forward)
	case check.RollbackComplete():
		g.End = g.newNode("end", "rolled back")
		g.End.Step = -1
		g.link(undo, g.End, Compensate)
	}
	return g, nil
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export trace to DOT format: %v", err)
	}
	return string(data), nil
}
