package tts

import (
	"fmt"
	"strings"
)

// OverflowPolicy selects what Enqueue does when the queue is at capacity.
type OverflowPolicy string

const (
	// OverflowReject refuses the new job with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowEvict cancels the oldest NORMAL pending job to make room. A
	// HIGH job may evict the oldest HIGH job when no NORMAL job is pending;
	// a NORMAL job is refused when only HIGH jobs are pending.
	OverflowEvict OverflowPolicy = "evict"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OverflowReject:
		return OverflowReject, nil
	case OverflowEvict:
		return OverflowEvict, nil
	default:
		return OverflowReject, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// queue holds pending jobs in two FIFO classes. It is not synchronized; the
// scheduler guards it with its mutex.
type queue struct {
	high   []*Job
	normal []*Job
}

func (q *queue) len() int { return len(q.high) + len(q.normal) }

func (q *queue) push(j *Job) {
	if j.Priority == PriorityHigh {
		q.high = append(q.high, j)
		return
	}
	q.normal = append(q.normal, j)
}

func (q *queue) pop() *Job {
	if len(q.high) > 0 {
		return shift(&q.high)
	}
	if len(q.normal) > 0 {
		return shift(&q.normal)
	}
	return nil
}

func shift(list *[]*Job) *Job {
	j := (*list)[0]
	(*list)[0] = nil
	*list = (*list)[1:]
	return j
}

func (q *queue) remove(key string) *Job {
	for _, list := range []*[]*Job{&q.high, &q.normal} {
		for i, j := range *list {
			if j.Key == key {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return j
			}
		}
	}
	return nil
}

// admit makes room for a job of priority p in a queue holding capacity jobs
// or more. It returns the evicted job, or false when the job must be refused.
func (q *queue) admit(p Priority, capacity int, policy OverflowPolicy) (*Job, bool) {
	if capacity <= 0 || q.len() < capacity {
		return nil, true
	}
	if policy != OverflowEvict {
		return nil, false
	}
	if len(q.normal) > 0 {
		return shift(&q.normal), true
	}
	if p == PriorityHigh && len(q.high) > 0 {
		return shift(&q.high), true
	}
	return nil, false
}

// trim evicts jobs until the queue fits capacity, oldest NORMAL first.
func (q *queue) trim(capacity int) []*Job {
	var evicted []*Job
	for capacity > 0 && q.len() > capacity {
		if len(q.normal) > 0 {
			evicted = append(evicted, shift(&q.normal))
			continue
		}
		evicted = append(evicted, shift(&q.high))
	}
	return evicted
}

// snapshot returns copies in play order.
func (q *queue) snapshot() []Job {
	out := make([]Job, 0, q.len())
	for _, j := range q.high {
		out = append(out, *j)
	}
	for _, j := range q.normal {
		out = append(out, *j)
	}
	return out
}
