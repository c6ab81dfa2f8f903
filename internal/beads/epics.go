package beads

import (
	"context"
	"log"
	"sort"

	"github.com/LupusDei/adjutant/internal/bus"
)

// EpicsWithProgress lists epics with their closed-over-total direct-child
// tallies, sorted by completion ratio descending. An epic's direct children
// are its dependency edges. Fully-closed epics whose own status is still
// open are auto-closed as a side effect.
func (g *Gateway) EpicsWithProgress(ctx context.Context, sessionDir, statusFilter string) ([]*EpicWithProgress, error) {
	epics, err := g.List(ctx, sessionDir, ListOptions{Type: "epic", Status: statusFilter})
	if err != nil {
		return nil, err
	}

	var out []*EpicWithProgress
	for _, epic := range epics {
		// list output carries no edges; show does.
		full, err := g.Get(ctx, sessionDir, epic.ID)
		if err != nil {
			continue
		}
		ep := progressOf(full)
		out = append(out, ep)

		if ep.TotalChildren > 0 && ep.ClosedChildren == ep.TotalChildren && full.Status != "closed" {
			if _, err := g.Close(ctx, sessionDir, full.ID, "all children closed"); err != nil {
				log.Printf("beads: auto-closing epic %s: %v", full.ID, err)
			} else {
				ep.Bead.Status = "closed"
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Completion > out[j].Completion
	})
	return out, nil
}

func progressOf(epic *Bead) *EpicWithProgress {
	ep := &EpicWithProgress{Bead: epic}
	for _, dep := range epic.Deps {
		ep.TotalChildren++
		if dep.Status == "closed" {
			ep.ClosedChildren++
		}
	}
	if ep.TotalChildren > 0 {
		ep.Completion = float64(ep.ClosedChildren) / float64(ep.TotalChildren)
	}
	return ep
}

// cascadeClose walks up from a just-closed bead and closes any epic ancestor
// whose direct children are now all closed. One bead:closed event fires per
// closure, children before parents. Cycles are guarded by the visited set.
func (g *Gateway) cascadeClose(ctx context.Context, sessionDir string, closed *Bead) {
	g.cascadeCloseVisited(ctx, sessionDir, closed, map[string]bool{closed.ID: true})
}

func (g *Gateway) cascadeCloseVisited(ctx context.Context, sessionDir string, closed *Bead, visited map[string]bool) {
	for _, parent := range closed.Parents {
		if parent.Type != "epic" || parent.Status == "closed" || visited[parent.ID] {
			continue
		}
		visited[parent.ID] = true

		epic, err := g.Get(ctx, sessionDir, parent.ID)
		if err != nil {
			log.Printf("beads: cascade fetch %s: %v", parent.ID, err)
			continue
		}
		allClosed := len(epic.Deps) > 0
		for _, child := range epic.Deps {
			if child.Status != "closed" {
				allClosed = false
				break
			}
		}
		if !allClosed {
			continue
		}

		dir, err := g.dirFor(epic.ID, sessionDir)
		if err != nil {
			continue
		}
		if _, err := g.invoke(ctx, dir, "close", epic.ID, "--reason=all children closed"); err != nil {
			log.Printf("beads: cascade close %s: %v", epic.ID, err)
			continue
		}
		epic.Status = "closed"
		g.publish(bus.EventBeadClosed, epic)
		g.cascadeCloseVisited(ctx, sessionDir, epic, visited)
	}
}
