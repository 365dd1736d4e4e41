package shared

import (
	"sync"
	"time"

	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/metrics"
)

// maxConsumerSleep caps the exponential backoff of an idle consumer.
const maxConsumerSleep = 100 * time.Millisecond

// Consumer drains the log stash into the local callback registry. Each
// attached process runs at most one.
type Consumer struct {
	stash     *Stash
	callbacks *logging.CallbackRegistry

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewConsumer starts draining stash into callbacks.
func NewConsumer(stash *Stash, callbacks *logging.CallbackRegistry) *Consumer {
	c := &Consumer{
		stash:     stash,
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Consumer) run() {
	defer c.wg.Done()

	sleep := time.Millisecond
	for {
		if c.drain() > 0 {
			sleep = time.Millisecond
			continue
		}

		select {
		case <-c.done:
			c.drain()
			return
		case <-time.After(sleep):
		}

		if sleep *= 2; sleep > maxConsumerSleep {
			sleep = maxConsumerSleep
		}
	}
}

func (c *Consumer) drain() int {
	n := 0
	for {
		rec, ok := c.stash.TryPop()
		if !ok {
			return n
		}
		c.callbacks.Dispatch(rec.Level, rec.Module, rec.Message)
		metrics.LogRecord()
		n++
	}
}

// Stop performs a final drain and joins the consumer goroutine.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Logger pushes records into the stash on behalf of the local process. In
// synchronous mode every push dispatches inline to the local callbacks
// instead of travelling through the queue.
type Logger struct {
	stash       *Stash
	module      string
	synchronous bool
	callbacks   *logging.CallbackRegistry
}

// NewLogger returns a stash-backed logger stamping records with module.
func NewLogger(stash *Stash, module string) *Logger {
	return &Logger{stash: stash, module: module}
}

// Synchronous switches the logger to inline dispatch through callbacks.
func (l *Logger) Synchronous(callbacks *logging.CallbackRegistry) *Logger {
	l.synchronous = true
	l.callbacks = callbacks
	return l
}

// Log records one message.
func (l *Logger) Log(level uint32, message string) {
	if l.synchronous {
		l.callbacks.Dispatch(level, l.module, message)
		return
	}
	if err := l.stash.Push(level, l.module, message); err != nil {
		// The stash is the channel of last resort; if the arena is full the
		// record falls back to the local operational logger.
		logging.Op().Warn("log stash push failed", "module", l.module, "error", err, "dropped", message)
	}
}

// Sink adapts the logger into a logging.Callback so buffered records can be
// flushed into the stash.
func (l *Logger) Sink() logging.Callback {
	return func(level uint32, module, message string) {
		if l.synchronous {
			l.callbacks.Dispatch(level, module, message)
			return
		}
		if err := l.stash.Push(level, module, message); err != nil {
			logging.Op().Warn("log stash push failed", "module", module, "error", err)
		}
	}
}
