package cpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Fault is a deferred device error. Once a stream faults every later launch
// is skipped and every Sync returns the same fault: device state after a
// fault is not trusted.
type Fault struct {
	Kernel string
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("device fault in %s: %v", f.Kernel, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

type launch struct {
	kernel  string
	fn      func() error
	barrier chan struct{}
}

// Stream is an ordered issue queue. A single worker executes launches in
// the order they were issued.
type Stream struct {
	ops  chan launch
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	fault    *Fault
	launched int64
}

func newStream(depth int) *Stream {
	s := &Stream{
		ops:  make(chan launch, depth),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		if s.faulted() {
			continue
		}
		t0 := time.Now()
		err := invoke(op.fn)
		metrics.RecordKernelDuration(op.kernel, time.Since(t0))
		if err != nil {
			s.setFault(&Fault{Kernel: op.kernel, Err: err})
		}
	}
}

// invoke converts a kernel panic (out-of-bounds access and the like) into a
// fault instead of taking down the worker.
func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return fn()
}

func (s *Stream) faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault != nil
}

func (s *Stream) setFault(f *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		s.fault = f
		metrics.RecordDeviceFault(f.Kernel)
	}
}

// Launch enqueues fn. It returns immediately unless the queue is full.
func (s *Stream) Launch(kernel string, fn func() error) {
	s.mu.Lock()
	s.launched++
	s.mu.Unlock()
	s.ops <- launch{kernel: kernel, fn: fn}
}

// Launched returns the number of kernels issued so far.
func (s *Stream) Launched() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched
}

// Sync blocks until every launch issued before it has executed and returns
// the sticky fault, if any.
func (s *Stream) Sync() error {
	b := make(chan struct{})
	s.ops <- launch{barrier: b}
	<-b
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	return nil
}

// Close drains pending work and stops the worker. Safe to call twice.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.ops)
		<-s.done
	})
}
