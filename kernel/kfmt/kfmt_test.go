package kfmt

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"kestrel/kernel"
	"kestrel/kernel/cpu"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{
			"",
			"",
		},
		{
			"\n",
			"prefix: \n",
		},
		{
			"no line break anywhere",
			"prefix: no line break anywhere",
		},
		{
			"line feed at the end\n",
			"prefix: line feed at the end\n",
		},
		{
			"\nthe big brown\nfog jumped\nover the lazy\ndog",
			"prefix: \nprefix: the big brown\nprefix: fog jumped\nprefix: over the lazy\nprefix: dog",
		},
	}

	var buf bytes.Buffer

	for specIndex, spec := range specs {
		buf.Reset()
		w := PrefixWriter{Sink: &buf, Prefix: []byte("prefix: ")}

		wrote, err := w.Write([]byte(spec.input))
		require.NoError(t, err, "spec %d", specIndex)
		require.Equal(t, len(spec.input), wrote, "spec %d", specIndex)
		require.Equal(t, spec.exp, buf.String(), "spec %d", specIndex)
	}
}

func TestPrefixWriterAcrossWrites(t *testing.T) {
	var buf bytes.Buffer
	w := PrefixWriter{Sink: &buf, Prefix: []byte("[pmm] ")}

	w.Printf("free frames: ")
	w.Printf("%d\n", 256)
	w.Printf("done\n")

	require.Equal(t, "[pmm] free frames: 256\n[pmm] done\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }

func TestPrefixWriterErrors(t *testing.T) {
	w := PrefixWriter{Sink: failingWriter{}, Prefix: []byte("p: ")}
	_, err := w.Write([]byte("data\n"))
	require.Error(t, err)
}

func TestRingBuffer(t *testing.T) {
	var (
		rb     ringBuffer
		expStr = "the big brown fox jumped over the lazy dog"
	)

	n, err := rb.Write([]byte(expStr))
	require.NoError(t, err)
	require.Equal(t, len(expStr), n)

	var buf bytes.Buffer
	_, err = io.Copy(&buf, &rb)
	require.NoError(t, err)
	require.Equal(t, expStr, buf.String())

	_, err = rb.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	var rb ringBuffer

	_, _ = rb.Write(bytes.Repeat([]byte{'a'}, ringBufferSize-2))
	_, _ = rb.Write([]byte("0123"))

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, &rb)

	got := buf.String()
	require.Len(t, got, ringBufferSize)
	require.True(t, strings.HasSuffix(got, "0123"))
	require.Equal(t, byte('a'), got[0])
}

func TestSetOutputSinkFlushesEarlyOutput(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(nil)

	Printf("booting %s\n", "kestrel")

	var buf bytes.Buffer
	SetOutputSink(&buf)
	Printf("sink attached\n")

	require.Contains(t, buf.String(), "booting kestrel\n")
	require.True(t, strings.HasSuffix(buf.String(), "sink attached\n"))
}

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetOutputSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		desc  string
		input interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with wrapped *kernel.Error",
			cerrors.Wrap(&kernel.Error{Module: "pmm", Message: "out of memory"}, "bitmap setup"),
			"\n-----------------------------------\n[pmm] unrecoverable error: bitmap setup: out of memory\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			var buf bytes.Buffer
			SetOutputSink(&buf)
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.input)

			require.Equal(t, spec.exp, buf.String())
			require.True(t, cpuHaltCalled, "expected cpu.Halt() to be called by Panic")
		})
	}
}
