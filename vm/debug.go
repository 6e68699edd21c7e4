package gvm

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// recoverFault turns a panic raised by reg()/doReturn()/readInt() into
// vm.errcode, mirroring the sentinel the panicking call already set,
// and falls back to errSegmentationFault for any panic that wasn't one
// of ours (an out-of-range slice index slipping past reg(), say).
func (vm *VM) recoverFault() {
	if r := recover(); r != nil {
		if vm.errcode == nil {
			vm.errcode = errSegmentationFault
		}
	}
}

// step dispatches to the interpreter loop selected at construction.
func (vm *VM) step() {
	if vm.dispatch == DispatchReplicated {
		vm.stepReplicated()
	} else {
		vm.stepSwitch()
	}
}

// Run executes the program to completion (or to the first error) and
// returns the terminal sentinel: errExited on a normal EXIT,
// errProgramFinished if instructions ran out first, or a fault
// sentinel otherwise.
func (vm *VM) Run() (err error) {
	defer func() { err = vm.errcode }()
	defer vm.recoverFault()
	for vm.errcode == nil {
		vm.step()
	}
	return vm.errcode
}

// RunDebugMode runs under an interactive single-step REPL: "n"/"next"
// executes one instruction, "r"/"run" free-runs until a breakpoint or
// termination, "b <pos>" toggles a breakpoint at a bytecode position,
// "program" lists the whole disassembly.
func (vm *VM) RunDebugMode() error {
	defer vm.recoverFault()

	fmt.Println("Commands:\n\tn or next: execute next instruction\n\tr or run: run program\n\tb or break <pos>: toggle breakpoint at position\n\tprogram: list disassembly")
	vm.printCurrentState()

	reader := bufio.NewReader(os.Stdin)
	breakpoints := make(map[int]struct{})
	waitForInput := true
	lastBreak := -1

	for vm.errcode == nil {
		line := ""
		if waitForInput {
			fmt.Print("\n->")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		} else if _, hit := breakpoints[vm.ip]; hit && lastBreak != vm.ip {
			fmt.Println("breakpoint")
			vm.printCurrentState()
			waitForInput = true
			lastBreak = vm.ip
			continue
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			lastBreak = -1
			vm.step()
			if waitForInput {
				vm.printCurrentState()
			}
		case line == "program":
			vm.printProgram()
		case line == "r" || line == "run":
			waitForInput = false
		case strings.HasPrefix(line, "b"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "b"))
			arg = strings.TrimPrefix(arg, "reak")
			arg = strings.TrimSpace(arg)
			pos, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Println("unknown position:", arg)
				continue
			}
			if _, ok := breakpoints[pos]; ok {
				delete(breakpoints, pos)
			} else {
				breakpoints[pos] = struct{}{}
			}
		}
	}

	if vm.errcode != errExited {
		fmt.Println(vm.errcode)
	}
	return vm.errcode
}

func (vm *VM) printCurrentState() {
	if vm.ip < len(vm.program) {
		fmt.Printf("  next instruction> %08d %s\n", vm.ip, vm.program[vm.ip])
	}
	end := vm.base + 16
	if end > len(vm.mem) {
		end = len(vm.mem)
	}
	fmt.Println("  registers>", vm.mem[vm.base:end])
	if vm.debugOut != nil {
		fmt.Println("  output>", vm.debugOut.String())
	}
}

func (vm *VM) printProgram() {
	for i, in := range vm.program {
		fmt.Printf("  %08d %s\n", i, in)
	}
}
