package beads

import (
	"context"
)

// BuildGraph assembles the dependency graph for the given filter. Nodes are
// deduplicated by id and edges by (from, to, kind) across databases.
func (g *Gateway) BuildGraph(ctx context.Context, sessionDir string, opts ListOptions) (*Graph, error) {
	opts.IncludeWisps = false
	beadList, err := g.List(ctx, sessionDir, opts)
	if err != nil {
		return nil, err
	}

	graph := &Graph{}
	nodeSeen := make(map[string]bool)
	edgeSeen := make(map[[3]string]bool)

	addNode := func(id, title, status, typ string, priority int) {
		if id == "" || nodeSeen[id] {
			return
		}
		nodeSeen[id] = true
		graph.Nodes = append(graph.Nodes, GraphNode{
			ID: id, Title: title, Status: status, Type: typ, Priority: priority,
		})
	}
	addEdge := func(from, to, kind string) {
		if from == "" || to == "" {
			return
		}
		key := [3]string{from, to, kind}
		if edgeSeen[key] {
			return
		}
		edgeSeen[key] = true
		graph.Edges = append(graph.Edges, GraphEdge{From: from, To: to, Kind: kind})
	}

	for _, b := range beadList {
		addNode(b.ID, b.Title, b.Status, b.Type, b.Priority)

		// list output carries id-only edges; show output carries typed ones.
		for _, dep := range b.DependsOn {
			addEdge(b.ID, dep, "blocks")
		}
		for _, dep := range b.Deps {
			kind := dep.DependencyType
			if kind == "" {
				kind = "blocks"
			}
			addNode(dep.ID, dep.Title, dep.Status, dep.Type, dep.Priority)
			addEdge(b.ID, dep.ID, kind)
		}
		for _, parent := range b.Parents {
			kind := parent.DependencyType
			if kind == "" {
				kind = "blocks"
			}
			addNode(parent.ID, parent.Title, parent.Status, parent.Type, parent.Priority)
			addEdge(parent.ID, b.ID, kind)
		}
	}

	return graph, nil
}
