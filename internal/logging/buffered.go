package logging

import (
	"fmt"
	"os"
	"sync"
)

// Record is one buffered log message.
type Record struct {
	Level   uint32
	Module  string
	Message string
}

// Buffer collects log records produced before a real sink is available:
// the in-target runtime buffers until the arena is attached, the injector
// until a callback is registered. Flush preserves production order.
type Buffer struct {
	mu      sync.Mutex
	module  string
	records []Record
}

func NewBuffer(module string) *Buffer {
	return &Buffer{module: module}
}

// Module returns the default module name stamped on records.
func (b *Buffer) Module() string { return b.module }

// Push appends a record.
func (b *Buffer) Push(level uint32, message string) {
	b.mu.Lock()
	b.records = append(b.records, Record{Level: level, Module: b.module, Message: message})
	b.mu.Unlock()
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Flush hands every buffered record to sink, in order, and empties the
// buffer.
func (b *Buffer) Flush(sink Callback) {
	b.mu.Lock()
	records := b.records
	b.records = nil
	b.mu.Unlock()

	for _, r := range records {
		sink(r.Level, r.Module, r.Message)
	}
}

// FlushToFile appends the buffered records to path, one line per record.
// Last-resort path for failures that happen before any sink exists.
func (b *Buffer) FlushToFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	b.Flush(func(level uint32, module, message string) {
		fmt.Fprintf(f, "[%s] [%s] %s\n", LevelString(level), module, message)
	})
	return nil
}
