package workflow

import "github.com/pitabwire/assessor/model"

// shortestPath returns the transition ids of the shortest path from one step
// to another, ignoring conditions, or nil when to is unreachable. Ties are
// broken by declaration order.
func shortestPath(def model.WorkflowDefinition, from, to string) []string {
	type hop struct {
		prev       string
		transition string
	}

	visited := map[string]hop{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			break
		}
		step := def.Step(current)
		if step == nil {
			continue
		}
		for _, t := range step.Transitions {
			if t.Target == model.EndStep {
				continue
			}
			if _, seen := visited[t.Target]; seen {
				continue
			}
			visited[t.Target] = hop{prev: current, transition: t.ID}
			queue = append(queue, t.Target)
		}
	}

	if _, ok := visited[to]; !ok || from == to {
		return nil
	}

	var path []string
	for at := to; at != from; at = visited[at].prev {
		path = append(path, visited[at].transition)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
