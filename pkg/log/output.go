package log

import (
	"io"
	"os"
)

// ConsoleOutput writes entries to stderr (errors and above) or stdout.
type ConsoleOutput struct {
	stdout io.Writer
	stderr io.Writer
}

// NewConsoleOutput creates a console output backed by the process streams.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{stdout: os.Stdout, stderr: os.Stderr}
}

// Write implements Output.
func (o *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	w := o.stdout
	if entry.Level >= ErrorLevel {
		w = o.stderr
	}
	_, err := w.Write(formatted)
	return err
}

// Close implements Output. Process streams are not closed.
func (o *ConsoleOutput) Close() error { return nil }

// WriterOutput writes entries to an arbitrary io.Writer.
type WriterOutput struct {
	w io.Writer
}

// NewWriterOutput creates an output around w.
func NewWriterOutput(w io.Writer) *WriterOutput { return &WriterOutput{w: w} }

// Write implements Output.
func (o *WriterOutput) Write(_ *Entry, formatted []byte) error {
	_, err := o.w.Write(formatted)
	return err
}

// Close implements Output.
func (o *WriterOutput) Close() error {
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
