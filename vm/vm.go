package gvm

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DispatchMode selects which interpreter loop VM.Run uses. Both modes
// implement the same instruction semantics; they exist to demonstrate
// two idiomatic ways of writing a bytecode dispatch loop in Go.
type DispatchMode int

const (
	DispatchSwitch DispatchMode = iota
	DispatchReplicated
)

// defaultRegisterMemory sizes the flat register file at 1 MiB worth of
// 8-byte cells.
const defaultRegisterMemory = (1 << 20) / 8

// VM is a register-window interpreter: one flat array of int64 cells
// addressed relative to a moving frame base, rather than a separate
// call stack. Calling a function advances the base past the caller's
// live registers; returning restores it.
type VM struct {
	mem  []int64
	base int // index of register 0 in the current frame

	program []Instruction
	ip      int

	stdout *bufio.Writer
	stdin  *bufio.Reader

	// traceOut is the instruction-trace diagnostic stream, distinct
	// from stdout so a -trace run never corrupts the program's own OUT
	// output.
	traceOut *bufio.Writer

	errcode  error
	exitCode int64

	trace    bool
	dispatch DispatchMode

	// debugOut captures OUT's output when running under RunDebugMode,
	// so it can be replayed alongside register state after each step
	// instead of interleaving with the command prompt.
	debugOut *strings.Builder
}

// NewVirtualMachine builds a VM ready to run prog. memCells sizes the
// register file; 0 selects defaultRegisterMemory.
func NewVirtualMachine(prog *Program, memCells int, dispatch DispatchMode, trace bool) *VM {
	if memCells <= 0 {
		memCells = defaultRegisterMemory
	}
	vm := &VM{
		mem:      make([]int64, memCells),
		program:  prog.Instructions,
		stdin:    bufio.NewReader(os.Stdin),
		stdout:   bufio.NewWriter(os.Stdout),
		traceOut: bufio.NewWriter(os.Stderr),
		dispatch: dispatch,
		trace:    trace,
	}
	return vm
}

// reg returns a pointer to register r of the current frame.
func (vm *VM) reg(r uint8) *int64 {
	idx := vm.base + int(r)
	if idx < 0 || idx >= len(vm.mem) {
		panic(errSegmentationFault)
	}
	return &vm.mem[idx]
}

func (vm *VM) fetch() Instruction {
	if vm.ip < 0 || vm.ip >= len(vm.program) {
		vm.errcode = errProgramFinished
		panic(vm.errcode)
	}
	return vm.program[vm.ip]
}

// ExitCode reports the value EXIT terminated with, valid only after
// Run returns with vm.errcode == errExited.
func (vm *VM) ExitCode() int64 {
	return vm.exitCode
}

// EnableDebugCapture redirects OUT's destination into an in-memory
// buffer instead of os.Stdout, so RunDebugMode can print a step's
// output next to its register dump rather than interleaving it with
// the debugger's own prompt.
func (vm *VM) EnableDebugCapture() {
	vm.debugOut = &strings.Builder{}
	vm.stdout = bufio.NewWriter(vm.debugOut)
}

// readInt implements IN: a whitespace-delimited decimal integer read
// from stdin. Any parse or I/O failure, including EOF, is reported as
// errIO rather than propagated as a Go error value, since the
// instruction set has no way to express a fallible read result.
func (vm *VM) readInt() int64 {
	var v int64
	_, err := fmt.Fscan(vm.stdin, &v)
	if err != nil {
		vm.errcode = errIO
		panic(vm.errcode)
	}
	return v
}

// writeInt implements OUT: the value followed by a newline, flushed
// immediately so interleaved IN/OUT behaves like an interactive
// console rather than buffering output indefinitely.
func (vm *VM) writeInt(v int64) {
	fmt.Fprintln(vm.stdout, v)
	vm.stdout.Flush()
}
