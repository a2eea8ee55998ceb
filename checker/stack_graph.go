package checker

import (
	"fmt"
	"os"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

type Side string

const (
	// Frames on the shared prefix of the two snapshots.
	SideShared   Side = "shared"
	SideSentinel Side = "sentinel"
	SideExplicit Side = "explicit"
)

const EdgeSide = "Side"

// One stack frame as a graph node. Depth keeps repeated method names at
// different frames distinct.
type FrameNode struct {
	Side   Side
	Depth  int
	Method string
}

// To help typecheck (some graph functions take hashes, other nodes)
type FrameHashType FrameNode

func FrameHash(n FrameNode) FrameHashType {
	return FrameHashType(n)
}

// addFrame links n under prev (nil for the innermost frame).
func addFrame(g graph.Graph[FrameHashType, FrameNode], prev *FrameNode, n FrameNode, side Side) error {
	if err := g.AddVertex(n); err != nil {
		return fmt.Errorf("adding frame node %+v: %v", n, err)
	}
	if prev == nil {
		return nil
	}
	if err := g.AddEdge(FrameHash(*prev), FrameHash(n), graph.EdgeAttribute(EdgeSide, string(side))); err != nil {
		return fmt.Errorf("adding frame edge %+v => %+v: %v", *prev, n, err)
	}
	return nil
}

// addChain adds one variant's frames past the shared prefix, hanging off the
// fork frame.
func addChain(g graph.Graph[FrameHashType, FrameNode], fork *FrameNode, names []string, from int, side Side) error {
	prev := fork
	for depth := from; depth < len(names); depth++ {
		n := FrameNode{Side: side, Depth: depth, Method: names[depth]}
		if err := addFrame(g, prev, n, side); err != nil {
			return err
		}
		prev = &n
	}
	return nil
}

// Assemble the report's two stack snapshots into a single in-memory graph,
// return graph and write it to a .gv: one chain for the shared prefix, then
// one chain per handle variant from the frame where the snapshots diverge.
// A run that passed draws a single shared chain.
func WriteStackGraph(outfile string, report *Report) (graph.Graph[FrameHashType, FrameNode], error) {
	g := graph.New(FrameHash, graph.Directed())

	// Length of the shared prefix of the two snapshots.
	shared := 0
	for shared < len(report.SentinelStack) && shared < len(report.ExplicitStack) &&
		report.SentinelStack[shared] == report.ExplicitStack[shared] {
		shared++
	}

	var fork *FrameNode // last shared frame, or nil if the stacks share nothing
	for depth := 0; depth < shared; depth++ {
		n := FrameNode{Side: SideShared, Depth: depth, Method: report.SentinelStack[depth]}
		if err := addFrame(g, fork, n, SideShared); err != nil {
			return nil, err
		}
		fork = &n
	}

	if err := addChain(g, fork, report.SentinelStack, shared, SideSentinel); err != nil {
		return nil, err
	}
	if err := addChain(g, fork, report.ExplicitStack, shared, SideExplicit); err != nil {
		return nil, err
	}

	file, err := os.Create(outfile)
	if err != nil {
		return nil, fmt.Errorf("creating graph file %v: %v", outfile, err.Error())
	}
	if err := draw.DOT(g, file); err != nil {
		return nil, fmt.Errorf("drawing graph to %v: %v", outfile, err.Error())
	}
	return g, nil
}
