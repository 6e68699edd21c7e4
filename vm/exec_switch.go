package gvm

// stepSwitch executes exactly one instruction using a plain switch dispatch:
// fetch, advance ip, branch on opcode. This is the straightforward
// baseline the replicated dispatcher in exec_replicated.go is measured
// against.
func (vm *VM) stepSwitch() {
	in := vm.fetch()
	vm.ip++
	if vm.trace {
		vm.traceInstruction(in)
	}

	switch in.Op {
	case ADDRR:
		*vm.reg(in.A) = *vm.reg(in.B) + *vm.reg(in.C)
	case MULRR:
		*vm.reg(in.A) = *vm.reg(in.B) * *vm.reg(in.C)
	case EQRR:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) == *vm.reg(in.C))
	case NERR:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) != *vm.reg(in.C))
	case ADDRI:
		*vm.reg(in.A) = *vm.reg(in.B) + int64(in.Cimm())
	case MULRI:
		*vm.reg(in.A) = *vm.reg(in.B) * int64(in.Cimm())
	case EQRI:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) == int64(in.Cimm()))
	case NERI:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) != int64(in.Cimm()))

	case SUBRR:
		*vm.reg(in.A) = *vm.reg(in.B) - *vm.reg(in.C)
	case DIVRR:
		vm.divr(in.A, *vm.reg(in.B), *vm.reg(in.C))
	case MODRR:
		vm.modr(in.A, *vm.reg(in.B), *vm.reg(in.C))
	case LTRR:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) < *vm.reg(in.C))
	case LERR:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) <= *vm.reg(in.C))
	case SUBRI:
		*vm.reg(in.A) = *vm.reg(in.B) - int64(in.Cimm())
	case DIVRI:
		vm.divr(in.A, *vm.reg(in.B), int64(in.Cimm()))
	case MODRI:
		vm.modr(in.A, *vm.reg(in.B), int64(in.Cimm()))
	case LTRI:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) < int64(in.Cimm()))
	case LERI:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.B) <= int64(in.Cimm()))
	case SUBIR:
		*vm.reg(in.A) = int64(in.Bimm()) - *vm.reg(in.C)
	case DIVIR:
		vm.divr(in.A, int64(in.Bimm()), *vm.reg(in.C))
	case MODIR:
		vm.modr(in.A, int64(in.Bimm()), *vm.reg(in.C))
	case LTIR:
		*vm.reg(in.A) = boolToInt(int64(in.Bimm()) < *vm.reg(in.C))
	case LEIR:
		*vm.reg(in.A) = boolToInt(int64(in.Bimm()) <= *vm.reg(in.C))

	case NEG:
		*vm.reg(in.A) = -*vm.reg(in.A)
	case NOT:
		*vm.reg(in.A) = boolToInt(*vm.reg(in.A) == 0)

	case MOVI:
		*vm.reg(in.A) = int64(in.D())
	case MOVR:
		*vm.reg(in.A) = *vm.reg(in.B)

	case JMP:
		vm.ip += int(in.D())
	case JT:
		if *vm.reg(in.A) != 0 {
			vm.ip += int(in.D())
		}
	case JF:
		if *vm.reg(in.A) == 0 {
			vm.ip += int(in.D())
		}

	case CALL:
		vm.doCall(in.A)
	case RETR:
		vm.doReturn(*vm.reg(in.A))
	case RETI:
		vm.doReturn(int64(in.D()))

	case EXIT:
		vm.exitCode = *vm.reg(in.A)
		vm.errcode = errExited
	case IN:
		*vm.reg(in.A) = vm.readInt()
	case OUT:
		vm.writeInt(*vm.reg(in.A))

	default:
		vm.errcode = errUnknownInstruction
		panic(vm.errcode)
	}
}

func (vm *VM) divr(dest uint8, a, b int64) {
	if b == 0 {
		vm.errcode = errDivisionByZero
		panic(vm.errcode)
	}
	*vm.reg(dest) = a / b
}

func (vm *VM) modr(dest uint8, a, b int64) {
	if b == 0 {
		vm.errcode = errDivisionByZero
		panic(vm.errcode)
	}
	*vm.reg(dest) = a % b
}

// doCall implements the call convention: regs[a] holds a displacement
// from the call site (set by the MOVI the compiler emitted just
// before CALL), relative the same way a branch displacement is. CALL
// overwrites that cell with the return address before shifting the
// frame base, so the callee's regs[-1] is exactly that cell.
func (vm *VM) doCall(a uint8) {
	displacement := *vm.reg(a)
	returnAddr := vm.ip
	target := returnAddr + int(displacement)

	*vm.reg(a) = int64(returnAddr)
	vm.base = vm.base + int(a) + 1
	vm.ip = target
}

// doReturn implements both RETR and RETI: it recovers the call site's
// header register by decoding the CALL instruction immediately before
// the saved return address, restores the caller's frame base, and
// writes the return value into that header register.
func (vm *VM) doReturn(value int64) {
	returnAddr := int(vm.mem[vm.base-1])
	if returnAddr <= 0 || returnAddr > len(vm.program) {
		vm.errcode = errSegmentationFault
		panic(vm.errcode)
	}
	callSite := vm.program[returnAddr-1]
	if callSite.Op != CALL {
		vm.errcode = errSegmentationFault
		panic(vm.errcode)
	}
	a := int(callSite.A)
	oldBase := vm.base - 1 - a

	vm.base = oldBase
	vm.mem[oldBase+a] = value
	vm.ip = returnAddr
}
