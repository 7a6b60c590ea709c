package registry

type TreeNode struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Status   AgentStatus `json:"status"`
	Depth    int         `json:"depth"`
	Progress int         `json:"progress"`
	Children []*TreeNode `json:"children"`
}

// Tree renders the spawn hierarchy as nested nodes. Agents whose parent is
// not part of the task hang off the root so nothing is lost.
func (t *Task) Tree() []*TreeNode {
	byID := make(map[string]*Agent, len(t.Agents))
	for i := range t.Agents {
		byID[t.Agents[i].ID] = &t.Agents[i]
	}

	visited := make(map[string]bool, len(t.Agents))
	var build func(id string) *TreeNode
	build = func(id string) *TreeNode {
		a, ok := byID[id]
		if !ok || visited[id] {
			return nil
		}
		visited[id] = true
		n := &TreeNode{
			ID:       a.ID,
			Type:     a.Type,
			Status:   a.Status,
			Depth:    a.Depth,
			Progress: a.Progress,
			Children: []*TreeNode{},
		}
		for _, child := range t.Hierarchy[id] {
			if c := build(child); c != nil {
				n.Children = append(n.Children, c)
			}
		}
		return n
	}

	roots := []*TreeNode{}
	for _, id := range t.Hierarchy[Orchestrator] {
		if n := build(id); n != nil {
			roots = append(roots, n)
		}
	}
	for _, a := range t.Agents {
		if !visited[a.ID] {
			if n := build(a.ID); n != nil {
				roots = append(roots, n)
			}
		}
	}
	return roots
}
