package call

import "github.com/sripadam-prasannakumar/swapchat/internal/rtc"

// candidateQueue buffers remote candidates that arrive before the transport
// has a remote description. The session record and the candidate collection
// are independent event streams with no cross-path ordering, so a candidate
// racing ahead of the description it belongs to is normal, not an error.
// Callers serialize access; the queue itself is not safe for concurrent use.
type candidateQueue struct {
	pending []rtc.Candidate
}

func (q *candidateQueue) push(c rtc.Candidate) {
	q.pending = append(q.pending, c)
}

// drain returns the buffered candidates in arrival order and empties the
// queue, so each candidate is delivered at most once.
func (q *candidateQueue) drain() []rtc.Candidate {
	out := q.pending
	q.pending = nil
	return out
}

func (q *candidateQueue) len() int { return len(q.pending) }
