package kfmt

import (
	"fmt"
	"io"
	"sync"
)

// earlyBufferSize defines the size of the ring buffer that captures console
// output before an output sink is attached. It must always be a power of 2.
const earlyBufferSize = 2048

// console serializes writes from all kernel threads to the active output sink.
var console struct {
	sync.Mutex

	// sink receives all console output. If nil, output is kept in early
	// until a sink is attached.
	sink io.Writer

	early earlyBuffer
}

// earlyBuffer is a fixed size ring buffer that keeps the most recent
// earlyBufferSize bytes written to it.
type earlyBuffer struct {
	data  [earlyBufferSize]byte
	start int
	size  int
}

func (b *earlyBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		b.data[(b.start+b.size)&(earlyBufferSize-1)] = c
		if b.size == earlyBufferSize {
			b.start = (b.start + 1) & (earlyBufferSize - 1)
			continue
		}
		b.size++
	}
	return len(p), nil
}

// WriteTo drains the buffered bytes into w in the order they were written.
func (b *earlyBuffer) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for b.size > 0 {
		end := b.start + b.size
		if end > earlyBufferSize {
			end = earlyBufferSize
		}

		n, err := w.Write(b.data[b.start:end])
		written += int64(n)
		b.start = (b.start + n) & (earlyBufferSize - 1)
		b.size -= n
		if err != nil {
			return written, err
		}
	}
	b.start = 0
	return written, nil
}

// consoleWriter is an io.Writer that forwards writes to the console.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	console.Lock()
	defer console.Unlock()

	if console.sink == nil {
		return console.early.Write(p)
	}
	return console.sink.Write(p)
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early buffer to it.
func SetOutputSink(w io.Writer) {
	console.Lock()
	defer console.Unlock()

	console.sink = w
	if w != nil {
		console.early.WriteTo(w)
	}
}

// GetOutputSink returns a writer for the console. Writes are forwarded to the
// sink set via SetOutputSink or buffered until one becomes available.
func GetOutputSink() io.Writer {
	return consoleWriter{}
}

// Printf formats according to a format specifier and writes the result to the
// console.
func Printf(format string, args ...interface{}) {
	Fprintf(consoleWriter{}, format, args...)
}

// Fprintf behaves like Printf but writes the output to w. If w is nil, the
// output goes to the console.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = consoleWriter{}
	}
	fmt.Fprintf(w, format, args...)
}
