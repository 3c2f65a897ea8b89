package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
)

func genPriority() gopter.Gen {
	return gen.IntRange(0, 3).Map(func(n int) model.Priority { return model.Priority(n) })
}

// TestQueueProperties checks the admission queue's ordering and
// capacity-accounting invariants hold across arbitrary enqueue sequences.
func TestQueueProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based tests in short mode")
	}

	properties := gopter.NewProperties(nil)

	// Dequeuing drains strictly in non-decreasing QueueRank order: no build
	// with a worse priority ever leaves the queue before a better one that
	// was already admitted.
	properties.Property("dequeue order respects priority rank", prop.ForAll(
		func(priorities []model.Priority) bool {
			m := NewManager(len(priorities) + 1)
			for i, p := range priorities {
				if err := m.Enqueue(model.BuildRequest{ID: fmt.Sprintf("b-%d", i), Priority: p}); err != nil {
					return false
				}
			}

			lastRank := -1
			for i := 0; i < len(priorities); i++ {
				req, ok := m.Dequeue(context.Background(), 0)
				if !ok {
					return false
				}
				rank := req.Priority.QueueRank()
				if rank < lastRank {
					return false
				}
				lastRank = rank
			}
			return true
		},
		gen.SliceOf(genPriority()),
	))

	// Depth always equals the number of builds admitted minus the number
	// removed (by Dequeue or Remove), regardless of interleaving.
	properties.Property("depth tracks admitted minus removed", prop.ForAll(
		func(n int) bool {
			m := NewManager(n + 1)
			ids := make([]string, n)
			for i := 0; i < n; i++ {
				ids[i] = fmt.Sprintf("b-%d", i)
				if err := m.Enqueue(model.BuildRequest{ID: ids[i], Priority: model.PriorityNormal}); err != nil {
					return false
				}
			}
			if m.Depth() != n {
				return false
			}

			removed := 0
			for i := 0; i < n; i += 2 {
				if m.Remove(ids[i]) {
					removed++
				}
			}
			if m.Depth() != n-removed {
				return false
			}

			for m.Depth() > 0 {
				if _, ok := m.Dequeue(context.Background(), 0); !ok {
					return false
				}
			}
			return m.Depth() == 0
		},
		gen.IntRange(0, 40),
	))

	// A removed or dequeued build is never reported as still contained.
	properties.Property("removal is reflected in Contains", prop.ForAll(
		func(n int) bool {
			m := NewManager(n + 1)
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("b-%d", i)
				if err := m.Enqueue(model.BuildRequest{ID: id, Priority: model.PriorityNormal}); err != nil {
					return false
				}
				if !m.Contains(id) {
					return false
				}
				if !m.Remove(id) {
					return false
				}
				if m.Contains(id) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
