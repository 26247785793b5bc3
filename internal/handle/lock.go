package handle

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// reentrantLock is a mutex that the same goroutine may acquire repeatedly
// without deadlocking itself, matching spec §4.5's "HandleLock/HandleUnlock
// form a re-entrant critical section with an integer depth." Go's
// sync.Mutex has no such support and no goroutine-local storage exists, so
// ownership is tracked by goroutine id, parsed out of runtime.Stack the way
// net/http's httptest race-detector helpers do; this is the one place in
// the handle package that falls back to a technique instead of a library,
// since no re-entrant-lock-by-goroutine primitive exists in the pack.
type reentrantLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	depth int
}

func newReentrantLock() *reentrantLock {
	l := &reentrantLock{}
	l.cond = sync.NewCond(&l.mu)

	return l
}

// Lock acquires the critical section, blocking only if another goroutine
// currently holds it. It returns whether this call transitioned depth 0->1,
// so the caller can run depth-1 acquisition side effects exactly once.
func (l *reentrantLock) Lock() (acquiredOuter bool) {
	gid := goroutineID()

	l.mu.Lock()
	defer l.mu.Unlock()

	for l.depth > 0 && l.owner != gid {
		l.cond.Wait()
	}

	wasZero := l.depth == 0
	l.owner = gid
	l.depth++

	return wasZero
}

// Unlock releases one level of the critical section. It returns whether
// this call transitioned depth 1->0, so the caller can run release side
// effects exactly once.
func (l *reentrantLock) Unlock() (releasedOuter bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		panic("handle: Unlock called without a matching Lock")
	}

	l.depth--
	if l.depth == 0 {
		l.owner = 0
		l.cond.Broadcast()

		return true
	}

	return false
}

// Depth reports the current reentrancy depth, for diagnostics and tests.
func (l *reentrantLock) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.depth
}

// goroutineID extracts the numeric goroutine id from runtime.Stack's
// header line ("goroutine 123 [running]:"). It is only ever used as a
// lock-ownership token, never exposed outside this package.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	const prefix = "goroutine "

	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}

	buf = buf[len(prefix):]

	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return 0
	}

	id, err := strconv.ParseUint(string(buf[:idx]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
