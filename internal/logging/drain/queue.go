package drain

import (
	"sync"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
)

// queue is an unbounded FIFO safe for many producers and one consumer.
type queue struct {
	mu    sync.Mutex
	items []logging.Log
}

// push appends log and returns the queue length after the append.
func (q *queue) push(log logging.Log) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, log)
	return len(q.items)
}

// popN removes up to n logs from the head of the queue.
func (q *queue) popN(n int) []logging.Log {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}

	batch := make([]logging.Log, n)
	copy(batch, q.items[:n])

	// clear popped slots so their contexts can be collected
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}

	return batch
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
