package gvm

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"
)

func readFixture(t *testing.T, name string) string {
	t.Helper()
	contents, err := os.ReadFile("../testdata/" + name)
	assert(t, err == nil, "reading fixture %s: %v", name, err)
	return string(contents)
}

// runFixture compiles and runs a testdata program, feeding it stdin and
// capturing everything OUT writes.
func runFixture(t *testing.T, name, stdin string) (stdout string, exitCode int64) {
	t.Helper()
	prog, err := Compile(readFixture(t, name))
	assert(t, err == nil, "compiling %s: %v", name, err)

	machine := NewVirtualMachine(prog, 0, DispatchSwitch, false)
	machine.stdin = bufio.NewReader(strings.NewReader(stdin))
	var out bytes.Buffer
	machine.stdout = bufio.NewWriter(&out)

	runErr := machine.Run()
	assert(t, runErr == ErrExited, "%s: unexpected termination: %v", name, runErr)
	return out.String(), machine.ExitCode()
}

func TestFixtureFibonacci(t *testing.T) {
	out, code := runFixture(t, "fibonacci.ral", "")
	assert(t, out == "55\n", "got stdout %q", out)
	assert(t, code == 0, "got exit code %d", code)
}

func TestFixtureAckermann(t *testing.T) {
	out, code := runFixture(t, "ackermann.ral", "")
	assert(t, out == "9\n", "got stdout %q", out)
	assert(t, code == 0, "got exit code %d", code)
}

func TestFixturePrimality(t *testing.T) {
	out, code := runFixture(t, "primality.ral", "")
	assert(t, out == "1\n0\n", "got stdout %q", out)
	assert(t, code == 0, "got exit code %d", code)
}

func TestFixtureEcho(t *testing.T) {
	out, code := runFixture(t, "echo.ral", "41\n")
	assert(t, out == "42\n", "got stdout %q", out)
	assert(t, code == 0, "got exit code %d", code)
}

func TestFixtureShortCircuitFolding(t *testing.T) {
	prog, err := Compile(readFixture(t, "shortcircuit.ral"))
	assert(t, err == nil, "compile failed: %v", err)

	outCount := 0
	for _, in := range prog.Instructions {
		if in.Op == OUT {
			outCount++
		}
	}
	assert(t, outCount == 1, "expected exactly one OUT in the compiled program, got %d", outCount)

	machine := NewVirtualMachine(prog, 0, DispatchSwitch, false)
	var out bytes.Buffer
	machine.stdout = bufio.NewWriter(&out)
	runErr := machine.Run()
	assert(t, runErr == ErrExited, "unexpected termination: %v", runErr)
	assert(t, out.String() == "7\n", "got stdout %q", out.String())
}

func TestFixtureOperandSelection(t *testing.T) {
	prog, err := Compile(readFixture(t, "operandselect.ral"))
	assert(t, err == nil, "compile failed: %v", err)

	var opcodes []Opcode
	for _, in := range prog.Instructions {
		if in.Op == ADDRI || in.Op == ADDRR {
			opcodes = append(opcodes, in.Op)
		}
	}
	assert(t, len(opcodes) == 2, "expected two add instructions, got %d", len(opcodes))
	assert(t, opcodes[0] == ADDRI, "first add should use the 8-bit immediate form, got %v", opcodes[0])
	assert(t, opcodes[1] == ADDRR, "second add should fall back to the register form, got %v", opcodes[1])

	out, code := runFixture(t, "operandselect.ral", "")
	assert(t, out == "15\n210\n", "got stdout %q", out)
	assert(t, code == 0, "got exit code %d", code)
}
