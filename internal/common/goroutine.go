package common

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var goroutineCounter int64

// GetGoroutineCount returns how many goroutines SafeGo has started
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine. A panic is logged with its stack and the
// process keeps running.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)
	go func() {
		defer recoverGoroutine(logger, name)
		fn()
	}()
}

func recoverGoroutine(logger arbor.ILogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	stack := string(buf[:runtime.Stack(buf, false)])

	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stack)
		return
	}
	logger.Error().
		Str("goroutine", name).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", stack).
		Msg("Recovered from panic in goroutine")
}

// Background tracks SafeGo goroutines so shutdown can wait for them
type Background struct {
	logger arbor.ILogger
	wg     sync.WaitGroup
}

func NewBackground(logger arbor.ILogger) *Background {
	return &Background{logger: logger}
}

// Go starts fn through SafeGo and counts it until it returns
func (b *Background) Go(name string, fn func()) {
	b.wg.Add(1)
	SafeGo(b.logger, name, func() {
		defer b.wg.Done()
		fn()
	})
}

// Wait blocks until every tracked goroutine returns or ctx is done
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
