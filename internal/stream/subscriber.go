package stream

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/events"
)

// Subscriber ids used by the session components.
const (
	SubscriberAgentController = "agent_controller"
	SubscriberRuntime         = "runtime"
	SubscriberMemory          = "memory"
	SubscriberMain            = "main"
	SubscriberTest            = "test"
)

// Callback receives every event added to the stream, in id order.
type Callback func(e events.Event)

type subscription struct {
	subscriberID string
	callbackID   string
	callback     Callback
	worker       *worker
}

// worker runs one subscription's callbacks serially on its own goroutine.
type worker struct {
	name   string
	q      *queue[func()]
	done   chan struct{}
	logger *zap.Logger
}

func newWorker(name string, logger *zap.Logger) *worker {
	w := &worker{
		name:   name,
		q:      newQueue[func()](),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		fn, ok := w.q.Pop()
		if !ok {
			return
		}
		safeCall(w.logger, w.name, fn)
	}
}

// submit queues fn; it returns false once the worker is stopping.
func (w *worker) submit(fn func()) bool {
	return w.q.Push(fn)
}

// stop lets queued callbacks finish and waits for the goroutine to exit.
func (w *worker) stop() {
	w.q.Close()
	<-w.done
}

// safeCall runs fn and logs instead of propagating a panic, so one broken
// subscriber cannot stop the dispatcher.
func safeCall(logger *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber callback panicked",
				zap.String("subscriber", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
