// Command snvm is the Supernova engine's command-line front end:
// it loads a Zenithvm image and runs it to completion, or drops into
// the interactive monitor, per SPEC_FULL.md §6.2.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/notdroplt/snvm/isa"
	"github.com/notdroplt/snvm/loader"
	"github.com/notdroplt/snvm/model"
	"github.com/notdroplt/snvm/monitor"
	"github.com/notdroplt/snvm/vm"
	"github.com/notdroplt/snvm/vm/stats"
)

const versionString = "snvm 0.1.0"

var (
	showHelp        = flag.Bool("h", false, "print help")
	showHelpLong    = flag.Bool("help", false, "print help")
	showVersion     = flag.Bool("v", false, "print version")
	showVersionLong = flag.Bool("version", false, "print version")
	showProperties  = flag.Bool("p", false, "print engine properties")
	propertiesLong  = flag.Bool("properties", false, "print engine properties")
	imageFlag       = flag.String("i", "", "image file to load and execute")
	stepMode        = flag.Bool("step", false, "single-step instead of free-running")
	monitorMode     = flag.Bool("monitor", false, "start in the interactive monitor")
	histogram       = flag.Bool("histogram", false, "collect and print a per-opcode instruction histogram")
)

func main() {
	flag.Parse()

	if *showHelp || *showHelpLong || (*imageFlag == "" && !*showVersion && !*showVersionLong && !*showProperties && !*propertiesLong) {
		printHelp()
		if *imageFlag == "" && !*showHelp && !*showHelpLong {
			os.Exit(1)
		}
		return
	}
	if *showVersion || *showVersionLong {
		fmt.Println(versionString)
		return
	}
	if *showProperties || *propertiesLong {
		printProperties()
		return
	}

	// trailing "-- args..." are parsed but not wired into guest state;
	// see DESIGN.md's guest-argv-ABI Open Question resolution.
	guestArgs := flag.Args()

	imagePath := *imageFlag
	img, err := loader.Load(imagePath, model.Reference)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snvm: %v\n", err)
		os.Exit(int(loader.FileError))
	}
	if img.Status != loader.ReadOk {
		fmt.Fprintf(os.Stderr, "snvm: failed to load %s: %s\n", imagePath, img.Status)
		os.Exit(int(img.Status))
	}
	if len(guestArgs) > 0 {
		fmt.Fprintf(os.Stderr, "snvm: %d trailing arg(s) parsed but not passed to guest: %v\n", len(guestArgs), guestArgs)
	}

	counters := stats.New()
	if *histogram {
		counters.EnableHistogram()
	}

	thread := vm.NewThread(img.Memory,
		vm.WithEntryPoint(img.EntryPoint),
		vm.WithStackPointer(img.MemorySize),
		vm.WithCounters(counters),
	)

	counters.Start()
	switch {
	case *monitorMode:
		runMonitor(thread)
	case *stepMode:
		runStepping(thread)
	default:
		thread.Run()
	}
	counters.Stop()

	if *histogram {
		printHistogram(counters)
	}

	// exit status: regs[1] after a clean ProgramEnd, otherwise the signal
	status := int(thread.Signal())
	if thread.Signal() == vm.ProgramEnd {
		status = int(thread.Reg(vm.RegStackPointer))
	}
	os.Exit(status)
}

func runMonitor(thread *vm.Thread) {
	mon := monitor.New(thread, os.Stdout)
	mon.Run(os.Stdin)
}

func runStepping(thread *vm.Thread) {
	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	for !thread.Halted() {
		thread.Step()
		if colorize {
			fmt.Printf("\x1b[2m%s\x1b[0m\n", thread)
		} else {
			fmt.Println(thread)
		}
	}
}

func printHelp() {
	fmt.Fprintln(os.Stderr, "usage: snvm [-h|--help] [-v|--version] [-p|--properties] -i <image> [-step] [-monitor] [-histogram] [-- args...]")
	flag.PrintDefaults()
}

func printProperties() {
	d := model.Reference
	fmt.Printf("name: %s\n", d.Name)
	fmt.Printf("version: %s\n", d.Version)
	fmt.Printf("interrupts: %d\n", d.InterruptCount)
	fmt.Printf("page size: %d\n", d.PageSize)
	fmt.Printf("last opcode: %#02x\n", d.LastImplementedOpcode)
	for _, g := range d.Groups() {
		status := "implemented"
		if !g.Implemented {
			status = "unimplemented"
		}
		fmt.Printf("  %-20s %s\n", g.Name, status)
	}
}

func printHistogram(c *stats.Counters) {
	fmt.Printf("\ninstructions: %d\n", c.Instructions)
	fmt.Printf("elapsed: %s  (%.0f inst/s)\n", c.Elapsed(), c.InstructionsPerSecond())
	for op, n := range c.ByOpcode {
		mnem := isa.Mnemonic(op)
		if mnem == "" {
			mnem = fmt.Sprintf("%#02x", op)
		}
		fmt.Printf("  %-8s %d\n", mnem, n)
	}
}
