package gvm

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func compileAndRun(t *testing.T, source string) *VM {
	t.Helper()
	prog, err := Compile(source)
	assert(t, err == nil, "compile failed: %v", err)
	machine := NewVirtualMachine(prog, 0, DispatchSwitch, false)
	err = machine.Run()
	assert(t, err == ErrExited, "unexpected termination: %v", err)
	return machine
}

func expectCompileError(t *testing.T, source string) {
	t.Helper()
	_, err := Compile(source)
	assert(t, err != nil, "expected a compile error, got none")
}

func TestReturnConstant(t *testing.T) {
	vm := compileAndRun(t, `
		fn main() {
			return 42;
		}
	`)
	assert(t, vm.ExitCode() == 42, "got %d", vm.ExitCode())
}

func TestArithmeticOperandModes(t *testing.T) {
	// Exercises RR (a+b), RI (a+1), and IR (10-a) forms in one body.
	vm := compileAndRun(t, `
		fn main() {
			let a = 3;
			let b = 4;
			let rr = a + b;
			let ri = a + 1;
			let ir = 10 - a;
			return rr + ri + ir;
		}
	`)
	assert(t, vm.ExitCode() == 18, "got %d", vm.ExitCode())
}

func TestStagedConstantMaterialization(t *testing.T) {
	vm := compileAndRun(t, `
		fn main() {
			let big = 4000000000;
			return big - 3999999998;
		}
	`)
	assert(t, vm.ExitCode() == 2, "got %d", vm.ExitCode())
}

func TestStagedConstantMaterializationSolitaryHighBitChunk(t *testing.T) {
	// 100000 == 0x00000000_000186A0: its low 16-bit chunk (0x86A0) has
	// the top bit set with no other chunk around to cancel the error if
	// that chunk were sign-extended instead of carried.
	vm := compileAndRun(t, `
		fn main() {
			return 100000;
		}
	`)
	assert(t, vm.ExitCode() == 100000, "got %d", vm.ExitCode())
}

func TestStagedConstantMaterializationLargeSolitaryChunk(t *testing.T) {
	vm := compileAndRun(t, `
		fn main() {
			let big = 4000000000;
			return big - 3900000000;
		}
	`)
	assert(t, vm.ExitCode() == 100000000, "got %d", vm.ExitCode())
}

func TestRecursiveFibonacci(t *testing.T) {
	vm := compileAndRun(t, `
		fn fib(n) {
			if n <= 1 {
				return n;
			}
			return fib(n - 1) + fib(n - 2);
		}
		fn main() {
			return fib(10);
		}
	`)
	assert(t, vm.ExitCode() == 55, "got %d", vm.ExitCode())
}

func TestMutualRecursionForwardReference(t *testing.T) {
	vm := compileAndRun(t, `
		fn main() {
			return isEven(10);
		}
		fn isEven(n) {
			if n == 0 {
				return 1;
			}
			return isOdd(n - 1);
		}
		fn isOdd(n) {
			if n == 0 {
				return 0;
			}
			return isEven(n - 1);
		}
	`)
	assert(t, vm.ExitCode() == 1, "got %d", vm.ExitCode())
}

func TestWhileLoopAccumulator(t *testing.T) {
	vm := compileAndRun(t, `
		fn main() {
			let total = 0;
			let i = 1;
			while i <= 5 {
				total = total + i;
				i = i + 1;
			}
			return total;
		}
	`)
	assert(t, vm.ExitCode() == 15, "got %d", vm.ExitCode())
}

func TestConstantTrueConditionElidesDeadArm(t *testing.T) {
	prog, err := Compile(`
		fn main() {
			if 1 {
				return 7;
			} else {
				return undefinedVariableButUnreachable;
			}
		}
	`)
	assert(t, err != nil, "expected the discarded arm to still be semantically checked")
	_ = prog

	vm := compileAndRun(t, `
		fn main() {
			if 1 {
				return 7;
			} else {
				let x = 0;
				return x;
			}
		}
	`)
	assert(t, vm.ExitCode() == 7, "got %d", vm.ExitCode())

	// No JF/JMP should survive a statically-true if: main's body is just
	// a RETI (or a staged load into a register followed by RETR).
	for _, in := range vm.program {
		assert(t, in.Op != JF && in.Op != JMP, "unexpected %v in bytecode for a constant-true condition", in.Op)
	}
}

func TestConstantFalseWhileNeverRuns(t *testing.T) {
	vm := compileAndRun(t, `
		fn main() {
			let count = 0;
			while 0 {
				count = count + 1;
			}
			return count;
		}
	`)
	assert(t, vm.ExitCode() == 0, "got %d", vm.ExitCode())
}

func TestDivisionByZeroAtCompileTimeIsRejected(t *testing.T) {
	expectCompileError(t, `
		fn main() {
			return 1 / 0;
		}
	`)
}

func TestDivisionByZeroAtRuntime(t *testing.T) {
	prog, err := Compile(`
		fn main() {
			let z = 0;
			return 1 / z;
		}
	`)
	assert(t, err == nil, "compile failed: %v", err)
	machine := NewVirtualMachine(prog, 0, DispatchSwitch, false)
	gotErr := machine.Run()
	assert(t, gotErr == errDivisionByZero, "got %v", gotErr)
}

func TestUndefinedFunctionIsCompileError(t *testing.T) {
	expectCompileError(t, `
		fn main() {
			return ghost();
		}
	`)
}

func TestMissingMainIsCompileError(t *testing.T) {
	expectCompileError(t, `
		fn notMain() {
			return 0;
		}
	`)
}

func TestTrueModuloSemantics(t *testing.T) {
	// Guards against the original implementation's documented ADD-for-MOD
	// bug: this must be a real modulus, truncated toward zero.
	vm := compileAndRun(t, `
		fn main() {
			let a = -7;
			let b = 2;
			return a % b;
		}
	`)
	assert(t, vm.ExitCode() == -1, "got %d", vm.ExitCode())
}

func TestInOutEcho(t *testing.T) {
	prog, err := Compile(`
		fn main() {
			let x = 0;
			in x;
			out x;
			return 0;
		}
	`)
	assert(t, err == nil, "compile failed: %v", err)

	machine := NewVirtualMachine(prog, 0, DispatchSwitch, false)
	machine.stdin = bufio.NewReader(strings.NewReader("17\n"))
	var out bytes.Buffer
	machine.stdout = bufio.NewWriter(&out)

	runErr := machine.Run()
	assert(t, runErr == ErrExited, "unexpected termination: %v", runErr)
	assert(t, strings.TrimSpace(out.String()) == "17", "got output %q", out.String())
}

func TestReplicatedDispatchMatchesSwitchDispatch(t *testing.T) {
	source := `
		fn fib(n) {
			if n <= 1 {
				return n;
			}
			return fib(n - 1) + fib(n - 2);
		}
		fn main() {
			return fib(12);
		}
	`
	prog, err := Compile(source)
	assert(t, err == nil, "compile failed: %v", err)

	switchVM := NewVirtualMachine(prog, 0, DispatchSwitch, false)
	assert(t, switchVM.Run() == ErrExited, "switch dispatch did not exit cleanly")

	prog2, _ := Compile(source)
	replicatedVM := NewVirtualMachine(prog2, 0, DispatchReplicated, false)
	assert(t, replicatedVM.Run() == ErrExited, "replicated dispatch did not exit cleanly")

	assert(t, switchVM.ExitCode() == replicatedVM.ExitCode(),
		"dispatch modes disagree: switch=%d replicated=%d", switchVM.ExitCode(), replicatedVM.ExitCode())
}

func TestRegisterExhaustionIsCompileError(t *testing.T) {
	var b strings.Builder
	b.WriteString("fn main() {\n")
	for i := 0; i < 260; i++ {
		b.WriteString("let v")
		b.WriteString(strings.Repeat("x", 0))
		b.WriteByte(byte('a' + i%26))
		b.WriteString(strings.Repeat("z", i/26))
		b.WriteString(" = 1;\n")
	}
	b.WriteString("return 0;\n}\n")
	expectCompileError(t, b.String())
}
