package queue

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/models"
)

// tier holds all queued requests of one priority. Within a tier each
// caller has its own FIFO and dequeue round-robins across callers, so
// one high-volume caller cannot starve the others.
type tier struct {
	priority int
	order    []string
	next     int
	byCaller map[string][]*models.InferenceRequest
	count    int

	heapIndex int
}

// tierHeap is a max-heap of tiers by priority.
type tierHeap []*tier

func (h tierHeap) Len() int { return len(h) }

func (h tierHeap) Less(i, j int) bool { return h[i].priority > h[j].priority }

func (h tierHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *tierHeap) Push(x any) {
	t := x.(*tier)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *tierHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue is the bounded admission-control queue in front of the router.
// Enqueue rejects immediately at max depth; entries whose deadline
// passes before dequeue are reported through the expiry callback, never
// silently dropped.
type Queue struct {
	maxDepth int
	logger   *zap.Logger
	now      func() time.Time

	// onExpire is invoked (outside the queue lock) for every request
	// dropped because its deadline passed unserved.
	onExpire func(*models.InferenceRequest)

	mu    sync.Mutex
	tiers map[int]*tier
	heap  tierHeap
	size  int
}

func New(cfg *config.QueueConfig, onExpire func(*models.InferenceRequest), logger *zap.Logger) *Queue {
	return &Queue{
		maxDepth: cfg.MaxDepth,
		logger:   logger,
		now:      time.Now,
		onExpire: onExpire,
		tiers:    make(map[int]*tier),
	}
}

// WithClock overrides the queue's clock. Test hook.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue admits the request or rejects it with backpressure. The
// enqueue time is stamped here if the boundary left it zero.
func (q *Queue) Enqueue(req *models.InferenceRequest) error {
	now := q.now()
	if req.Expired(now) {
		return models.ErrRequestExpired
	}

	q.mu.Lock()
	if q.size >= q.maxDepth {
		q.mu.Unlock()
		q.logger.Warn("queue full, rejecting request",
			zap.String("request_id", req.RequestID),
			zap.String("caller_id", req.CallerID))
		return models.ErrQueueRejected
	}

	if req.EnqueueTime.IsZero() {
		annotated := *req
		annotated.EnqueueTime = now
		req = &annotated
	}

	t, ok := q.tiers[req.Priority]
	if !ok {
		t = &tier{
			priority: req.Priority,
			byCaller: make(map[string][]*models.InferenceRequest),
		}
		q.tiers[req.Priority] = t
		heap.Push(&q.heap, t)
	}
	if _, ok := t.byCaller[req.CallerID]; !ok {
		t.order = append(t.order, req.CallerID)
	}
	t.byCaller[req.CallerID] = append(t.byCaller[req.CallerID], req)
	t.count++
	q.size++
	q.mu.Unlock()
	return nil
}

// Dequeue returns the next request: highest priority tier first,
// round-robin across callers within the tier, arrival order per caller.
// Expired entries encountered on the way are dropped and reported.
func (q *Queue) Dequeue() (*models.InferenceRequest, bool) {
	now := q.now()
	var expired []*models.InferenceRequest

	q.mu.Lock()
	var picked *models.InferenceRequest
	for picked == nil && len(q.heap) > 0 {
		t := q.heap[0]
		picked = q.pickLocked(t, now, &expired)
		if t.count == 0 {
			heap.Pop(&q.heap)
			delete(q.tiers, t.priority)
		}
	}
	q.mu.Unlock()

	for _, req := range expired {
		q.reportExpired(req)
	}
	return picked, picked != nil
}

// pickLocked pops the next live request from a tier, advancing the
// round-robin cursor past callers whose head entries expired.
func (q *Queue) pickLocked(t *tier, now time.Time, expired *[]*models.InferenceRequest) *models.InferenceRequest {
	for t.count > 0 {
		if t.next >= len(t.order) {
			t.next = 0
		}
		caller := t.order[t.next]
		fifo := t.byCaller[caller]

		// Shed expired heads for this caller
		for len(fifo) > 0 && fifo[0].Expired(now) {
			*expired = append(*expired, fifo[0])
			fifo = fifo[1:]
			t.count--
			q.size--
		}

		if len(fifo) == 0 {
			delete(t.byCaller, caller)
			t.order = append(t.order[:t.next], t.order[t.next+1:]...)
			if t.next >= len(t.order) {
				t.next = 0
			}
			continue
		}

		req := fifo[0]
		t.byCaller[caller] = fifo[1:]
		if len(fifo) == 1 {
			delete(t.byCaller, caller)
			t.order = append(t.order[:t.next], t.order[t.next+1:]...)
			if t.next >= len(t.order) {
				t.next = 0
			}
		} else {
			t.next++
		}
		t.count--
		q.size--
		return req
	}
	return nil
}

// Sweep drops every queued request whose deadline has passed and
// reports each through the expiry callback. Returns the drop count.
func (q *Queue) Sweep() int {
	now := q.now()
	var expired []*models.InferenceRequest

	q.mu.Lock()
	for priority, t := range q.tiers {
		for caller, fifo := range t.byCaller {
			kept := fifo[:0]
			for _, req := range fifo {
				if req.Expired(now) {
					expired = append(expired, req)
					t.count--
					q.size--
				} else {
					kept = append(kept, req)
				}
			}
			if len(kept) == 0 {
				delete(t.byCaller, caller)
				for i, name := range t.order {
					if name == caller {
						t.order = append(t.order[:i], t.order[i+1:]...)
						if t.next > i {
							t.next--
						}
						break
					}
				}
			} else {
				t.byCaller[caller] = kept
			}
		}
		if t.count == 0 {
			heap.Remove(&q.heap, t.heapIndex)
			delete(q.tiers, priority)
		}
	}
	q.mu.Unlock()

	for _, req := range expired {
		q.reportExpired(req)
	}
	return len(expired)
}

func (q *Queue) reportExpired(req *models.InferenceRequest) {
	q.logger.Info("request expired unserved",
		zap.String("request_id", req.RequestID),
		zap.String("caller_id", req.CallerID))
	if q.onExpire != nil {
		q.onExpire(req)
	}
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
