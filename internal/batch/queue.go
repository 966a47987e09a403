package batch

// runTask is one queued workflow run awaiting dispatch.
type runTask struct {
	batch    *batchState
	run      *runState
	priority int
	seq      uint64
}

// runQueue orders pending runs by strict priority (higher first), then FIFO
// by submission sequence. Not safe for concurrent use; the scheduler guards
// it with its own mutex.
type runQueue struct {
	tasks []*runTask
	seq   uint64
}

func newRunQueue() *runQueue {
	return &runQueue{}
}

func (q *runQueue) Len() int {
	return len(q.tasks)
}

// Push inserts a task keeping the (priority desc, seq asc) order.
func (q *runQueue) Push(batch *batchState, run *runState) {
	t := &runTask{batch: batch, run: run, priority: batch.priority, seq: q.seq}
	q.seq++

	i := len(q.tasks)
	for i > 0 && q.tasks[i-1].priority < t.priority {
		i--
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
}

// TakeEligible removes and returns the first task for which eligible is
// true, preserving queue order for the rest. Returns nil when nothing is
// dispatchable.
func (q *runQueue) TakeEligible(eligible func(*runTask) bool) *runTask {
	for i, t := range q.tasks {
		if eligible(t) {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return t
		}
	}
	return nil
}

// RemoveBatch drops every queued task belonging to the given batch and
// returns the removed tasks.
func (q *runQueue) RemoveBatch(b *batchState) []*runTask {
	var removed []*runTask
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.batch == b {
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	return removed
}
