package onnx

// GraphID is the index of a graph in a GraphIndex. The main graph is 0.
type GraphID int

// GraphIndex is a flat arena of a model's graphs: the main graph and every
// body nested in a node attribute, at any depth. IDs are assigned depth-first
// in the order nodes and attributes appear, so the same model always yields
// the same IDs.
type GraphIndex struct {
	graphs   []*GraphProto
	parents  []GraphID
	children [][]GraphID
}

// IndexGraphs builds the arena rooted at root. A nil root yields an empty
// index.
func IndexGraphs(root *GraphProto) *GraphIndex {
	idx := &GraphIndex{}
	if root != nil {
		idx.add(root, -1)
	}
	return idx
}

func (idx *GraphIndex) add(g *GraphProto, parent GraphID) GraphID {
	id := GraphID(len(idx.graphs))
	idx.graphs = append(idx.graphs, g)
	idx.parents = append(idx.parents, parent)
	idx.children = append(idx.children, nil)
	if parent >= 0 {
		idx.children[parent] = append(idx.children[parent], id)
	}

	for i := range g.Nodes {
		for j := range g.Nodes[i].Attributes {
			attr := &g.Nodes[i].Attributes[j]
			if attr.G != nil {
				idx.add(attr.G, id)
			}
			for _, sub := range attr.Graphs {
				if sub != nil {
					idx.add(sub, id)
				}
			}
		}
	}
	return id
}

// Len returns the number of graphs.
func (idx *GraphIndex) Len() int {
	return len(idx.graphs)
}

// Root returns the main graph, or nil for an empty index.
func (idx *GraphIndex) Root() *GraphProto {
	if len(idx.graphs) == 0 {
		return nil
	}
	return idx.graphs[0]
}

// Graph returns the graph with the given ID.
func (idx *GraphIndex) Graph(id GraphID) *GraphProto {
	return idx.graphs[id]
}

// Parent returns the ID of the graph enclosing id; the main graph has none.
func (idx *GraphIndex) Parent(id GraphID) (GraphID, bool) {
	p := idx.parents[id]
	return p, p >= 0
}

// Children returns the IDs of the graphs nested directly in id.
func (idx *GraphIndex) Children(id GraphID) []GraphID {
	return idx.children[id]
}
