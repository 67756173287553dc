package looping

import (
	"sync"
	"sync/atomic"
)

// readyRing is the ready queue: an insertion-ordered buffer of handles due to
// run at the next drain. Loop goroutine only; cross-goroutine submissions
// arrive via lockFreeIngress and are transferred in at the top of an
// iteration.
//
// Entries are skipped, not removed, when their handle was cancelled after
// enqueue; the generation check at drain time makes the skip a single load.
type readyRing struct {
	buf  []Handle
	head int
	n    int
}

const readyRingInitialCap = 64

func (r *readyRing) push(h Handle) {
	if r.n == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.n)&(len(r.buf)-1)] = h
	r.n++
}

func (r *readyRing) pop() (Handle, bool) {
	if r.n == 0 {
		return Handle{}, false
	}
	h := r.buf[r.head]
	r.buf[r.head] = Handle{}
	r.head = (r.head + 1) & (len(r.buf) - 1)
	r.n--
	return h, true
}

func (r *readyRing) len() int {
	return r.n
}

// grow doubles capacity, unwrapping the ring into the new buffer.
// Capacity is always a power of two so the index mask stays valid.
func (r *readyRing) grow() {
	capNew := len(r.buf) * 2
	if capNew == 0 {
		capNew = readyRingInitialCap
	}
	buf := make([]Handle, capNew)
	for i := 0; i < r.n; i++ {
		buf[i] = r.buf[(r.head+i)&(len(r.buf)-1)]
	}
	r.buf = buf
	r.head = 0
}

// ingressNode is a singly-linked queue node. Nodes are pooled; a node is
// recycled only after the consumer has advanced past it, at which point the
// publishing producer can no longer touch it.
type ingressNode struct {
	next atomic.Pointer[ingressNode]
	h    Handle
}

var ingressNodePool = sync.Pool{
	New: func() any { return new(ingressNode) },
}

func getIngressNode() *ingressNode {
	return ingressNodePool.Get().(*ingressNode)
}

func putIngressNode(n *ingressNode) {
	n.h = Handle{}
	n.next.Store(nil)
	ingressNodePool.Put(n)
}

// lockFreeIngress is a multi-producer single-consumer intrusive queue
// (Vyukov scheme). Push is wait-free for producers: a single atomic swap on
// tail linearizes the enqueue, then the producer links the previous tail to
// the new node. Pop observes a nil next pointer during that window and
// reports empty, which is safe: the producer signals a wakeup after linking,
// so the handle is never stranded.
//
// Push is safe from any goroutine; Pop and Empty only from the consumer.
type lockFreeIngress struct {
	head atomic.Pointer[ingressNode]
	tail atomic.Pointer[ingressNode]
}

func newLockFreeIngress() *lockFreeIngress {
	stub := new(ingressNode)
	q := &lockFreeIngress{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Push enqueues h. Any goroutine.
func (q *lockFreeIngress) Push(h Handle) {
	n := getIngressNode()
	n.h = h
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

// Pop dequeues the oldest handle. Consumer goroutine only.
func (q *lockFreeIngress) Pop() (Handle, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return Handle{}, false
	}
	q.head.Store(next)
	h := next.h
	next.h = Handle{}
	putIngressNode(head)
	return h, true
}

// Empty reports whether no handle is currently poppable. Consumer goroutine
// only; a concurrent Push may make it stale immediately.
func (q *lockFreeIngress) Empty() bool {
	return q.head.Load().next.Load() == nil
}
