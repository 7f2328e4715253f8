// Package board arranges a task list for display: title filter, creation
// time ordering and grouping into status columns. All functions are pure and
// never modify their input.
package board

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"taskboard/internal/model"
)

// SortKey selects the ordering applied by Sort.
type SortKey string

const (
	SortRecent SortKey = "recent" // newest first
	SortOldest SortKey = "oldest"
)

// ParseSortKey accepts "recent" or "oldest"; empty means recent.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SortRecent, nil
	case SortRecent, SortOldest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sort key %q (want recent or oldest)", s)
	}
}

// Sort returns a sorted copy. Ties on created_at fall back to id.
func Sort(tasks []model.Task, key SortKey) []model.Task {
	out := slices.Clone(tasks)
	slices.SortStableFunc(out, func(a, b model.Task) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if key == SortOldest {
			return c
		}
		return -c
	})
	return out
}

// Filter keeps tasks whose title contains query, ignoring case.
func Filter(tasks []model.Task, query string) []model.Task {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if query == "" || strings.Contains(strings.ToLower(t.Title), query) {
			out = append(out, t)
		}
	}
	return out
}

// Column is one status lane of the board.
type Column struct {
	Status model.TaskStatus
	Tasks  []model.Task
}

// Columns groups tasks into todo, in-progress and done, keeping the input
// order inside each column. Tasks with an unknown status are dropped.
func Columns(tasks []model.Task) []Column {
	statuses := model.Statuses()
	cols := make([]Column, len(statuses))
	index := make(map[model.TaskStatus]int, len(statuses))
	for i, st := range statuses {
		cols[i] = Column{Status: st, Tasks: []model.Task{}}
		index[st] = i
	}
	for _, t := range tasks {
		if i, ok := index[t.Status]; ok {
			cols[i].Tasks = append(cols[i].Tasks, t)
		}
	}
	return cols
}

// View filters, sorts and groups in one step.
func View(tasks []model.Task, query string, key SortKey) []Column {
	return Columns(Sort(Filter(tasks, query), key))
}
