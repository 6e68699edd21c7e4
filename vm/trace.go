package gvm

import "fmt"

// traceInstruction prints one executed instruction in the fixed
// "8-digit position, disassembly" format, gated by vm.trace. The
// position printed is the instruction's own position, vm.ip-1, since
// the dispatch loop has already advanced ip past it. It writes to vm.traceOut, a
// diagnostic stream kept separate from vm.stdout so tracing never
// interleaves with the program's own OUT output.
func (vm *VM) traceInstruction(in Instruction) {
	fmt.Fprintf(vm.traceOut, "%08d %s\n", vm.ip-1, in)
	vm.traceOut.Flush()
}
