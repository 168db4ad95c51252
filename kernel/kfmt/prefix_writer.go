package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. A nil Sink sends output to the
// active output sink at the time of each write.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// ModuleWriter returns a PrefixWriter that tags every line with "[module] "
// and writes to the active output sink.
func ModuleWriter(module string) *PrefixWriter {
	return &PrefixWriter{Prefix: []byte("[" + module + "] ")}
}

// Printf formats according to a format specifier and writes the prefixed
// output.
func (w *PrefixWriter) Printf(format string, args ...interface{}) {
	Fprintf(w, format, args...)
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	sink := w.Sink
	if sink == nil {
		sink = GetOutputSink()
	}

	var written int
	for len(p) != 0 {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				break
			}
		}

		n, err := sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		if p[lineLen-1] == '\n' {
			w.midLine = false
		}
		p = p[lineLen:]
	}

	return written, nil
}
