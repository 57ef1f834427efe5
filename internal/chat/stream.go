package chat

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// eventQueue buffers events per conversation so a reconnecting stream can
// replay what it missed via Last-Event-ID.
type eventQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	evicted map[string]int64 // highest id pushed out of each queue
	maxSize int
}

type queuedEvent struct {
	ID    int64
	Event Event
}

func newEventQueue(maxSize int) *eventQueue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &eventQueue{
		queues:  make(map[string]*list.List),
		evicted: make(map[string]int64),
		maxSize: maxSize,
	}
}

func (q *eventQueue) enqueue(conversationID string, qe *queuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[conversationID]
	if !ok {
		l = list.New()
		q.queues[conversationID] = l
	}
	l.PushBack(qe)
	for l.Len() > q.maxSize {
		old := l.Remove(l.Front()).(*queuedEvent)
		q.evicted[conversationID] = old.ID
	}
}

// since returns the events after afterID. complete is false when some of
// them were already evicted, in which case the caller must resync from a
// snapshot instead.
func (q *eventQueue) since(conversationID string, afterID int64) (missed []*queuedEvent, complete bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if afterID < q.evicted[conversationID] {
		return nil, false
	}
	l, ok := q.queues[conversationID]
	if !ok {
		return nil, true
	}
	for e := l.Front(); e != nil; e = e.Next() {
		qe := e.Value.(*queuedEvent)
		if qe.ID > afterID {
			missed = append(missed, qe)
		}
	}
	return missed, true
}

func (q *eventQueue) drop(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, conversationID)
	delete(q.evicted, conversationID)
}

// streamConn is one open SSE response. Events are handed over through a
// bounded channel; a client that falls behind is kicked so it reconnects
// and replays from the queue.
type streamConn struct {
	id             int64
	conversationID string
	sessionID      string
	connectedAt    time.Time
	events         chan *queuedEvent
	kicked         chan struct{}
	kickOnce       sync.Once
}

func newStreamConn(conversationID, sessionID string, buffer int) *streamConn {
	return &streamConn{
		conversationID: conversationID,
		sessionID:      sessionID,
		connectedAt:    time.Now(),
		events:         make(chan *queuedEvent, buffer),
		kicked:         make(chan struct{}),
	}
}

// deliver never blocks. It reports false when this call found the buffer
// full and kicked the connection.
func (c *streamConn) deliver(qe *queuedEvent) bool {
	select {
	case <-c.kicked:
		return true
	default:
	}
	select {
	case c.events <- qe:
		return true
	default:
		c.kick()
		return false
	}
}

func (c *streamConn) kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

// sendLimiter throttles sends per tab session with a token bucket.
type sendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	done     chan struct{}
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSendLimiter(perSecond float64, burst int) *sendLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	l := &sendLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		done:     make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

func (l *sendLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

// evictLoop drops limiters idle for longer than l.idle.
func (l *sendLimiter) evictLoop() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.idle)
			l.mu.Lock()
			for key, e := range l.limiters {
				if e.lastSeen.Before(cutoff) {
					delete(l.limiters, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *sendLimiter) close() {
	close(l.done)
}
