package engine

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pageforge/pageforge/pkg/types"
	"github.com/pageforge/pageforge/pkg/utils"
)

// WriteSet returns the planned write paths of every leaf below t, sorted.
// Leaves without a planner contribute nothing.
func WriteSet(t *Task) ([]string, error) {
	seen := make(map[string]struct{})
	for _, leaf := range t.Leaves() {
		if leaf.Plan == nil {
			continue
		}
		paths, err := leaf.Plan()
		if err != nil {
			return nil, fmt.Errorf("failed to plan '%s': %w", leaf.Name, err)
		}
		for _, p := range paths {
			seen[p] = struct{}{}
		}
	}

	set := make([]string, 0, len(seen))
	for p := range seen {
		set = append(set, p)
	}
	sort.Strings(set)
	return set, nil
}

// CheckDisjoint verifies that the children of every Parallel node below t
// write pairwise disjoint paths. A path overlaps another when they are
// equal or one is a directory containing the other.
func CheckDisjoint(t *Task) error {
	return t.Walk(func(n *Task, _ int) error {
		if n.Kind != types.TaskKindParallel {
			return nil
		}

		sets := make([][]string, len(n.Children))
		for i, child := range n.Children {
			set, err := WriteSet(child)
			if err != nil {
				return err
			}
			sets[i] = set
		}

		for i := 0; i < len(sets); i++ {
			for j := i + 1; j < len(sets); j++ {
				if a, b, ok := overlap(sets[i], sets[j]); ok {
					return &OverlapError{
						Group: n.Name,
						Tasks: [2]string{leafWriting(n.Children[i], a), leafWriting(n.Children[j], b)},
						Paths: [2]string{a, b},
					}
				}
			}
		}
		return nil
	})
}

// leafWriting names the leaf below t that plans path, or t itself
func leafWriting(t *Task, path string) string {
	for _, leaf := range t.Leaves() {
		if leaf.Plan == nil {
			continue
		}
		paths, err := leaf.Plan()
		if err != nil {
			continue
		}
		for _, p := range paths {
			if p == path {
				return leaf.Name
			}
		}
	}
	return t.Name
}

func overlap(a, b []string) (string, string, bool) {
	for _, pa := range a {
		for _, pb := range b {
			if utils.IsWithin(pa, pb) || utils.IsWithin(pb, pa) {
				return pa, pb, true
			}
		}
	}
	return "", "", false
}

// Describe writes an indented tree of t. With plans enabled, leaves show
// how many paths they write.
func Describe(w io.Writer, t *Task, plans bool) error {
	return t.Walk(func(n *Task, depth int) error {
		indent := strings.Repeat("  ", depth)
		line := fmt.Sprintf("%s%s (%s)", indent, n.Name, n.Kind)
		if n.Kind == types.TaskKindLeaf {
			if n.Reload != nil {
				line += " → " + n.Reload.String()
			}
			if plans && n.Plan != nil {
				paths, err := n.Plan()
				if err != nil {
					return fmt.Errorf("failed to plan '%s': %w", n.Name, err)
				}
				line += fmt.Sprintf(" [%d outputs]", len(paths))
			}
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}
