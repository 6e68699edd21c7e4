// Command ralang compiles and runs programs written in the small
// integer-and-functions language implemented by the ralang module.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	gvm "ralang/vm"
)

func main() {
	trace := flag.Bool("trace", false, "print each instruction as it executes")
	dispatch := flag.String("dispatch", "switch", "interpreter dispatch: switch or replicated")
	mem := flag.Int("mem", 0, "register file size in 8-byte cells (0 uses the default)")
	debug := flag.Bool("debug", false, "run under the interactive single-step debugger")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ralang [flags] <file 1> [file 2] ... [file N]")
		os.Exit(2)
	}

	var src strings.Builder
	for _, path := range files {
		contents, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		src.Write(contents)
		src.WriteByte('\n')
	}

	prog, err := gvm.Compile(src.String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	mode := gvm.DispatchSwitch
	switch *dispatch {
	case "switch":
	case "replicated":
		mode = gvm.DispatchReplicated
	default:
		fmt.Fprintf(os.Stderr, "unknown dispatch mode %q\n", *dispatch)
		os.Exit(2)
	}

	machine := gvm.NewVirtualMachine(prog, *mem, mode, *trace)

	var runErr error
	if *debug {
		machine.EnableDebugCapture()
		runErr = machine.RunDebugMode()
	} else {
		runErr = machine.Run()
	}

	if runErr != gvm.ErrExited {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}

	os.Exit(int(machine.ExitCode()))
}
