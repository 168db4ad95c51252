// memsim boots the memory core against simulated RAM and exercises the
// kernel heap. It is used to reproduce allocator behaviour for a given
// memory map and command line without real hardware.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"kestrel/kernel/cpu"
	"kestrel/kernel/hal/multiboot"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/kmain"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/memcore"
	"kestrel/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	kernelLoadAddr = 0x100000
	kernelVMA      = 0xffffffff80000000
	lowMemEnd      = 0x9f000
)

type options struct {
	ram, kernelSize mm.Size
	cmdLine         string
	framebuffer     bool
	allocs          int
	seed            int64
	dumpJSON        bool
	verbose         bool
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

func sizeFlag(fs *flag.FlagSet, target *mm.Size, name string, value mm.Size, usage string) {
	*target = value
	fs.Func(name, usage+" (default "+value.String()+")", func(s string) error {
		size, err := mm.ParseSize(s)
		if err != nil {
			return err
		}
		*target = size
		return nil
	})
}

func parseArgs(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("memsim", flag.ContinueOnError)
	sizeFlag(fs, &opts.ram, "ram", 128*mm.Mb, "amount of simulated RAM")
	sizeFlag(fs, &opts.kernelSize, "kernel-size", 2*mm.Mb, "size of the simulated kernel image")
	fs.StringVar(&opts.cmdLine, "cmdline", "", "kernel command line")
	fs.BoolVar(&opts.framebuffer, "fb", false, "report a 1024x768x32 framebuffer")
	fs.IntVar(&opts.allocs, "allocs", 1000, "number of random heap operations")
	fs.Int64Var(&opts.seed, "seed", 1, "seed for the heap workload")
	fs.BoolVar(&opts.dumpJSON, "json", false, "dump memory statistics as JSON")
	fs.BoolVar(&opts.verbose, "v", false, "log every heap growth")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.kernelSize = mm.AlignUp(opts.kernelSize, mm.Size(mm.PageSize))
	switch {
	case opts.ram < 4*mm.Mb || opts.ram%mm.Size(mm.PageSize) != 0:
		return opts, errors.New("ram must be a page multiple of at least 4M")
	case opts.kernelSize < 16*mm.Kb || kernelLoadAddr+opts.kernelSize > opts.ram/2:
		return opts, errors.Newf("kernel image of %s does not fit in the lower half of the simulated RAM", opts.kernelSize)
	case opts.allocs < 0:
		return opts, errors.New("allocs must not be negative")
	}

	return opts, nil
}

// bootInfo builds the multiboot payload a PC-style loader would report.
func bootInfo(opts options) []byte {
	var (
		pages      = uint64(opts.kernelSize.Pages())
		kernelSize = pages << mm.PageShift
		textSize   = (pages / 2) << mm.PageShift
		rodataSize = (pages / 4) << mm.PageShift
	)

	b := (&multiboot.Builder{}).
		BootLoaderName("memsim").
		CmdLine(opts.cmdLine).
		MemoryMap(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: lowMemEnd, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: lowMemEnd, Length: kernelLoadAddr - lowMemEnd, Type: multiboot.MemReserved},
			multiboot.MemoryMapEntry{PhysAddress: kernelLoadAddr, Length: uint64(opts.ram) - kernelLoadAddr, Type: multiboot.MemAvailable},
		).
		ElfSections(
			multiboot.ElfSection{},
			multiboot.ElfSection{Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: kernelVMA, Size: textSize},
			multiboot.ElfSection{Flags: multiboot.ElfSectionAllocated, Address: uintptr(kernelVMA + textSize), Size: rodataSize},
			multiboot.ElfSection{Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: uintptr(kernelVMA + textSize + rodataSize), Size: kernelSize - textSize - rodataSize},
		)

	if opts.framebuffer {
		b.Framebuffer(multiboot.FramebufferInfo{
			PhysAddr: 0xfd000000,
			Pitch:    4096,
			Width:    1024,
			Height:   768,
			Bpp:      32,
			Type:     multiboot.FramebufferTypeRGB,
		})
	}

	return b.Bytes()
}

// exerciseHeap runs a random alloc/free workload. Every block is filled
// with a pattern through the page tables and checked before it is freed.
func exerciseHeap(core *memcore.Core, opts options, logger *slog.Logger, out io.Writer) error {
	type allocation struct {
		addr    uintptr
		pattern []byte
	}

	var (
		rng  = rand.New(rand.NewSource(opts.seed))
		h    = core.Heap()
		pt   = core.PageTable()
		live []allocation

		segments = len(h.Stats().Segments)
	)

	free := func(index int) error {
		a := live[index]
		got := make([]byte, len(a.pattern))
		if err := pt.Read(a.addr, got); err != nil {
			return err
		}
		if !bytes.Equal(a.pattern, got) {
			return errors.Newf("block at %#x was corrupted", a.addr)
		}
		h.Free(a.addr)
		live[index] = live[len(live)-1]
		live = live[:len(live)-1]
		return nil
	}

	for i := 0; i < opts.allocs; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			if err := free(rng.Intn(len(live))); err != nil {
				return err
			}
			continue
		}

		size := uintptr(1 + rng.Intn(4096))
		addr, err := h.Alloc(size, uintptr(1)<<rng.Intn(8))
		if err != nil {
			return err
		}

		pattern := make([]byte, size)
		_, _ = rng.Read(pattern)
		if err = pt.Write(addr, pattern); err != nil {
			return err
		}
		live = append(live, allocation{addr: addr, pattern: pattern})

		if n := len(h.Stats().Segments); n != segments {
			segments = n
			logger.Debug("heap grew", slog.Int("Op", i), slog.Int("Segments", n), slog.Uint64("Size", uint64(size)))
		}
	}

	if err := h.Validate(); err != nil {
		return err
	}

	stats := h.Stats()
	logger.Info("heap workload complete",
		slog.Int("Ops", opts.allocs),
		slog.Int("Live", len(live)),
		slog.Int64("Seed", opts.seed),
	)
	fmt.Fprintf(out, "heap: %d live allocation(s), %d bytes used, %d bytes mapped in %d segment(s)\n",
		stats.Allocations, stats.Used(), stats.Mapped(), len(stats.Segments))

	for len(live) > 0 {
		if err := free(len(live) - 1); err != nil {
			return err
		}
	}

	released, err := h.Trim()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "heap: released %d bytes after freeing everything\n", released)
	return h.Validate()
}

func run(args []string, out, logOut io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	kfmt.SetOutputSink(out)
	defer kfmt.SetOutputSink(nil)

	sim, err := physmem.NewSim(0, opts.ram)
	if err != nil {
		return err
	}
	defer func() { _ = sim.Close() }()

	core, err := kmain.Boot(bootInfo(opts), kernelLoadAddr, kernelLoadAddr+uintptr(opts.kernelSize), sim, &cpu.HostedMMU{})
	if err != nil {
		return err
	}

	if err = exerciseHeap(core, opts, logger, out); err != nil {
		return err
	}

	if opts.dumpJSON {
		if err = core.DumpStats(out); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		exit(err)
	}
}
