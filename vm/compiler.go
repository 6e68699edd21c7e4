package gvm

import (
	"ralang/lexer"
	"ralang/token"
)

// Program is the immutable output of compilation: a linear bytecode
// vector addressed by 0-based position. Position 0 is always the
// prologue that calls main.
type Program struct {
	Instructions []Instruction
}

// pendingCall is an unresolved forward reference to a function symbol:
// the position of the placeholder MOVI that must eventually hold the
// entry displacement, and the position of that call's own CALL
// instruction (the displacement is relative to the call site, not the
// MOVI, so both positions are needed once the callee's entry is known).
type pendingCall struct {
	movIPos int
	callPos int
}

// compiler holds all state for the second (emission) pass. The first
// pass (discoverFunctions) only needs a lexer and the shared symbol
// table; it does not need a compiler at all.
type compiler struct {
	lex     *lexer.Lexer
	syms    *lexer.SymbolTable
	funcs   map[int]funcInfo
	pending map[int][]pendingCall

	prog []Instruction
	out  *[]Instruction // active emission target; &prog unless discarding dead code
}

// Compile runs the two-pass compilation over source and produces a
// Program, or the first compile error encountered.
func Compile(source string) (*Program, error) {
	syms := lexer.NewSymbolTable()

	discoveryLex := lexer.New(source, syms)
	funcs, err := discoverFunctions(discoveryLex, syms)
	if err != nil {
		return nil, err
	}

	c := &compiler{
		lex:     lexer.New(source, syms),
		syms:    syms,
		funcs:   funcs,
		pending: make(map[int][]pendingCall),
	}
	c.out = &c.prog

	// Reserve the 3-instruction prologue at position 0: it calls main
	// and then executes EXIT with main's return value. Its MOVI is
	// patched once main's entry is known, after every function is
	// compiled.
	c.emit(NewAD(MOVI, 0, 0))
	c.emit(NewABC(CALL, 0, 0, 0))
	c.emit(NewABC(EXIT, 0, 0, 0))

	for {
		t := c.lex.Peek()
		if t.Kind == token.EOF {
			break
		}
		if t.Kind != token.FN {
			return nil, errf(t.Line, "expected function definition, got %s", t)
		}
		if err := c.compileFunction(); err != nil {
			return nil, err
		}
	}

	mainSym := syms.Intern(lexer.MainSymbol)
	mainInfo, ok := c.funcs[mainSym]
	if !ok {
		return nil, errf(0, "no function named %q defined", lexer.MainSymbol)
	}
	if mainInfo.arity != 0 {
		return nil, errf(0, "function %q must take no arguments", lexer.MainSymbol)
	}
	c.resolveCallTarget(mainSym, 0, 1)

	for sym := range c.pending {
		return nil, errf(0, "undefined function %q", syms.Name(sym))
	}

	return &Program{Instructions: c.prog}, nil
}

// discoverFunctions is the compiler's first pass: walk the token
// stream recording every function's symbol and arity into the
// function table, skipping all other tokens including bodies.
func discoverFunctions(lex *lexer.Lexer, syms *lexer.SymbolTable) (map[int]funcInfo, error) {
	funcs := make(map[int]funcInfo)
	for {
		t := lex.Peek()
		if t.Kind == token.EOF {
			break
		}
		if t.Kind != token.FN {
			return nil, errf(t.Line, "expected function definition, got %s", t)
		}
		lex.Advance()

		name := lex.Advance()
		if name.Kind != token.IDENT {
			return nil, errf(name.Line, "expected function name, got %s", name)
		}
		if _, exists := funcs[name.Sym]; exists {
			return nil, errf(name.Line, "function %q already defined", name.Text)
		}

		if open := lex.Advance(); open.Kind != token.LPAREN {
			return nil, errf(open.Line, "expected '(', got %s", open)
		}
		arity := 0
		if lex.Peek().Kind != token.RPAREN {
			for {
				p := lex.Advance()
				if p.Kind != token.IDENT {
					return nil, errf(p.Line, "expected parameter name, got %s", p)
				}
				arity++
				if lex.Peek().Kind == token.COMMA {
					lex.Advance()
					continue
				}
				break
			}
		}
		if close := lex.Advance(); close.Kind != token.RPAREN {
			return nil, errf(close.Line, "expected ')', got %s", close)
		}
		if arity > 254 {
			return nil, errf(name.Line, "function %q has more than 254 parameters", name.Text)
		}

		if open := lex.Advance(); open.Kind != token.LBRACE {
			return nil, errf(open.Line, "expected '{', got %s", open)
		}
		depth := 1
		for depth > 0 {
			t := lex.Advance()
			switch t.Kind {
			case token.EOF:
				return nil, errf(t.Line, "unterminated function body")
			case token.LBRACE:
				depth++
			case token.RBRACE:
				depth--
			}
		}

		funcs[name.Sym] = funcInfo{entry: -1, arity: arity}
	}
	return funcs, nil
}

// --- emission plumbing ---

func (c *compiler) emit(in Instruction) int {
	pos := len(*c.out)
	*c.out = append(*c.out, in)
	return pos
}

func (c *compiler) pos() int { return len(*c.out) }

func (c *compiler) expect(k token.Kind) (token.Token, error) {
	t := c.lex.Advance()
	if t.Kind != k {
		return t, errf(t.Line, "expected %s, got %s", k, t)
	}
	return t, nil
}

// withDiscard runs fn with emission redirected to a throwaway buffer,
// used to compile syntax that must be parsed (to consume its tokens
// correctly) but whose code is provably unreachable.
func (c *compiler) withDiscard(fn func() error) error {
	var scratch []Instruction
	saved := c.out
	c.out = &scratch
	err := fn()
	c.out = saved
	return err
}

// discardBlock parses and discards a '{' ... '}' block, restoring the
// scope's register cursor afterward so the dead code's allocations
// leave no trace.
func (c *compiler) discardBlock(s *scope) error {
	mark := s.nextFree
	err := c.withDiscard(func() error { return c.compileBlockAsScope(s) })
	s.nextFree = mark
	return err
}

// resolveCallTarget patches the call's MOVI with sym's entry
// displacement if already known, or queues the call for patching once
// sym is compiled.
func (c *compiler) resolveCallTarget(sym int, movIPos, callPos int) {
	if info, ok := c.funcs[sym]; ok && info.entry >= 0 {
		c.setD(movIPos, int16(info.entry-callPos-1))
		return
	}
	c.pending[sym] = append(c.pending[sym], pendingCall{movIPos: movIPos, callPos: callPos})
}

// --- register/value plumbing ---

type regVal struct {
	reg   uint8
	owned bool
}

// chooseDest picks the first owned (overwritable) candidate register
// as a binary operator's destination, falling back to a fresh
// register if every candidate is a borrowed variable reference.
func (c *compiler) chooseDest(s *scope, line int, candidates ...regVal) (uint8, error) {
	for _, cand := range candidates {
		if cand.owned {
			return cand.reg, nil
		}
	}
	return s.alloc(line)
}

func (c *compiler) freeIfUnused(s *scope, dest, reg uint8, owned bool) {
	if owned && reg != dest {
		s.free(reg)
	}
}

// exprToReg ensures e has a concrete register, materializing a
// constant if necessary, and reports whether the returned register is
// an owned temporary or a borrowed variable reference.
func (c *compiler) exprToReg(s *scope, e expression, line int) (uint8, bool, error) {
	if e.kind == exprRegister {
		return e.reg, e.owned, nil
	}
	reg, err := s.alloc(line)
	if err != nil {
		return 0, false, err
	}
	if err := c.materializeConst(s, reg, e.constant); err != nil {
		return 0, false, err
	}
	return reg, true, nil
}

// materializeConst loads v into dest. Values fitting a signed 16-bit
// immediate use a single MOVI; larger values are staged 16 bits at a
// time (MOVI the top chunk, then four MULRI-by-16 plus an ADD per
// remaining chunk), since the instruction set has no 64-bit load and
// no shift opcode.
func (c *compiler) materializeConst(s *scope, dest uint8, v int64) error {
	if fits16(v) {
		c.emit(NewAD(MOVI, dest, int16(v)))
		return nil
	}
	u := uint64(v)
	chunks := [4]int16{
		int16(uint16(u >> 48)),
		int16(uint16(u >> 32)),
		int16(uint16(u >> 16)),
		int16(uint16(u)),
	}
	// Every chunk but the leading one is added back in as a signed
	// immediate, which sign-extends instead of zero-extending. Where a
	// chunk's top bit is set, that add is short by 65536 (its unsigned
	// value minus its signed value); carry a compensating +1 into the
	// chunk above, rippling upward through chunks[0] if needed.
	for i := 3; i >= 1; i-- {
		if chunks[i] < 0 {
			chunks[i-1]++
		}
	}
	c.emit(NewAD(MOVI, dest, chunks[0]))
	for i := 1; i < 4; i++ {
		for k := 0; k < 4; k++ {
			c.emit(NewABC(MULRI, dest, dest, uint8(int8(16))))
		}
		if chunks[i] == 0 {
			continue
		}
		if fits8(int64(chunks[i])) {
			c.emit(NewABC(ADDRI, dest, dest, uint8(int8(chunks[i]))))
			continue
		}
		tmp, err := s.alloc(0)
		if err != nil {
			return err
		}
		c.emit(NewAD(MOVI, tmp, chunks[i]))
		c.emit(NewABC(ADDRR, dest, dest, tmp))
		s.free(tmp)
	}
	return nil
}

// materializeInto puts e's value into dest, used by let/assignment
// statements. A constant is loaded directly; a register reference is
// moved only if it doesn't already live in dest.
func (c *compiler) materializeInto(s *scope, dest uint8, e expression) error {
	if e.isConst() {
		return c.materializeConst(s, dest, e.constant)
	}
	if e.reg != dest {
		c.emit(NewABC(MOVR, dest, e.reg, 0))
		if e.owned {
			s.free(e.reg)
		}
	}
	return nil
}

// binOpcodeRR maps an operator to its register-register opcode; the
// RI/IR forms are this plus a family offset.
var binOpcodeRR = map[operator]Opcode{
	opAdd: ADDRR, opMul: MULRR, opEq: EQRR, opNe: NERR,
	opSub: SUBRR, opDiv: DIVRR, opMod: MODRR, opLt: LTRR, opLe: LERR,
}

func riOffset(op operator) Opcode {
	if op.isCommutative() {
		return commutativeOffset
	}
	return noncommutativeRIOffset
}

// compileBinary implements constant folding and operand-mode
// selection for a binary operator over two already compiled operands.
func (c *compiler) compileBinary(s *scope, op operator, lhs, rhs expression, line int) (expression, error) {
	if lhs.isConst() && rhs.isConst() {
		v, err := foldBinary(op, lhs.constant, rhs.constant, line)
		if err != nil {
			return expression{}, err
		}
		return constExpr(v), nil
	}

	baseRR, ok := binOpcodeRR[op]
	if !ok {
		return expression{}, errf(line, "internal: no opcode for operator")
	}

	switch {
	case lhs.kind == exprRegister && rhs.kind == exprRegister:
		dest, err := c.chooseDest(s, line, regVal{lhs.reg, lhs.owned}, regVal{rhs.reg, rhs.owned})
		if err != nil {
			return expression{}, err
		}
		c.emit(NewABC(baseRR, dest, lhs.reg, rhs.reg))
		c.freeIfUnused(s, dest, lhs.reg, lhs.owned)
		c.freeIfUnused(s, dest, rhs.reg, rhs.owned)
		return ownedReg(dest), nil

	case lhs.kind == exprRegister && rhs.isConst() && fits8(rhs.constant):
		dest, err := c.chooseDest(s, line, regVal{lhs.reg, lhs.owned})
		if err != nil {
			return expression{}, err
		}
		c.emit(NewABC(baseRR+riOffset(op), dest, lhs.reg, uint8(int8(rhs.constant))))
		c.freeIfUnused(s, dest, lhs.reg, lhs.owned)
		return ownedReg(dest), nil

	case rhs.kind == exprRegister && lhs.isConst() && fits8(lhs.constant):
		dest, err := c.chooseDest(s, line, regVal{rhs.reg, rhs.owned})
		if err != nil {
			return expression{}, err
		}
		if op.isCommutative() {
			c.emit(NewABC(baseRR+commutativeOffset, dest, rhs.reg, uint8(int8(lhs.constant))))
		} else {
			c.emit(NewABC(baseRR+noncommutativeIROffset, dest, uint8(int8(lhs.constant)), rhs.reg))
		}
		c.freeIfUnused(s, dest, rhs.reg, rhs.owned)
		return ownedReg(dest), nil

	default:
		lhsReg, lhsOwned, err := c.exprToReg(s, lhs, line)
		if err != nil {
			return expression{}, err
		}
		rhsReg, rhsOwned, err := c.exprToReg(s, rhs, line)
		if err != nil {
			return expression{}, err
		}
		dest, err := c.chooseDest(s, line, regVal{lhsReg, lhsOwned}, regVal{rhsReg, rhsOwned})
		if err != nil {
			return expression{}, err
		}
		c.emit(NewABC(baseRR, dest, lhsReg, rhsReg))
		c.freeIfUnused(s, dest, lhsReg, lhsOwned)
		c.freeIfUnused(s, dest, rhsReg, rhsOwned)
		return ownedReg(dest), nil
	}
}

// compileUnary implements unary NEG/NOT compilation: a constant
// operand folds immediately; otherwise the operand is forced
// into an owned register (copying it out of a variable's register
// first if necessary) and the opcode overwrites it in place.
func (c *compiler) compileUnary(s *scope, op operator, operand expression, line int) (expression, error) {
	if operand.isConst() {
		return constExpr(foldUnaryOp(op, operand.constant)), nil
	}
	reg, owned, err := c.exprToReg(s, operand, line)
	if err != nil {
		return expression{}, err
	}
	if !owned {
		fresh, err := s.alloc(line)
		if err != nil {
			return expression{}, err
		}
		c.emit(NewABC(MOVR, fresh, reg, 0))
		reg = fresh
	}
	opcode := NOT
	if op == opNeg {
		opcode = NEG
	}
	c.emit(NewABC(opcode, reg, 0, 0))
	return ownedReg(reg), nil
}

// --- expressions (recursive descent, precedence climbing) ---

func (c *compiler) compileExpr(s *scope) (expression, error) {
	return c.parseEquality(s)
}

func (c *compiler) parseEquality(s *scope) (expression, error) {
	lhs, err := c.parseRelational(s)
	if err != nil {
		return expression{}, err
	}
	for {
		t := c.lex.Peek()
		var op operator
		switch t.Kind {
		case token.EQ:
			op = opEq
		case token.NE:
			op = opNe
		default:
			return lhs, nil
		}
		c.lex.Advance()
		rhs, err := c.parseRelational(s)
		if err != nil {
			return expression{}, err
		}
		if lhs, err = c.compileBinary(s, op, lhs, rhs, t.Line); err != nil {
			return expression{}, err
		}
	}
}

func (c *compiler) parseRelational(s *scope) (expression, error) {
	lhs, err := c.parseAdditive(s)
	if err != nil {
		return expression{}, err
	}
	for {
		t := c.lex.Peek()
		var op operator
		swap := false
		switch t.Kind {
		case token.LT:
			op = opLt
		case token.LE:
			op = opLe
		case token.GT:
			op, swap = opLt, true
		case token.GE:
			op, swap = opLe, true
		default:
			return lhs, nil
		}
		c.lex.Advance()
		rhs, err := c.parseAdditive(s)
		if err != nil {
			return expression{}, err
		}
		if swap {
			lhs, rhs = rhs, lhs
		}
		if lhs, err = c.compileBinary(s, op, lhs, rhs, t.Line); err != nil {
			return expression{}, err
		}
	}
}

func (c *compiler) parseAdditive(s *scope) (expression, error) {
	lhs, err := c.parseMultiplicative(s)
	if err != nil {
		return expression{}, err
	}
	for {
		t := c.lex.Peek()
		var op operator
		switch t.Kind {
		case token.PLUS:
			op = opAdd
		case token.MINUS:
			op = opSub
		default:
			return lhs, nil
		}
		c.lex.Advance()
		rhs, err := c.parseMultiplicative(s)
		if err != nil {
			return expression{}, err
		}
		if lhs, err = c.compileBinary(s, op, lhs, rhs, t.Line); err != nil {
			return expression{}, err
		}
	}
}

func (c *compiler) parseMultiplicative(s *scope) (expression, error) {
	lhs, err := c.parseUnary(s)
	if err != nil {
		return expression{}, err
	}
	for {
		t := c.lex.Peek()
		var op operator
		switch t.Kind {
		case token.STAR:
			op = opMul
		case token.SLASH:
			op = opDiv
		case token.PERCENT:
			op = opMod
		default:
			return lhs, nil
		}
		c.lex.Advance()
		rhs, err := c.parseUnary(s)
		if err != nil {
			return expression{}, err
		}
		if lhs, err = c.compileBinary(s, op, lhs, rhs, t.Line); err != nil {
			return expression{}, err
		}
	}
}

func (c *compiler) parseUnary(s *scope) (expression, error) {
	t := c.lex.Peek()
	switch t.Kind {
	case token.MINUS:
		c.lex.Advance()
		operand, err := c.parseUnary(s)
		if err != nil {
			return expression{}, err
		}
		return c.compileUnary(s, opNeg, operand, t.Line)
	case token.BANG:
		c.lex.Advance()
		operand, err := c.parseUnary(s)
		if err != nil {
			return expression{}, err
		}
		return c.compileUnary(s, opNot, operand, t.Line)
	default:
		return c.parsePrimary(s)
	}
}

func (c *compiler) parsePrimary(s *scope) (expression, error) {
	t := c.lex.Peek()
	switch t.Kind {
	case token.INT:
		c.lex.Advance()
		return constExpr(t.IntVal), nil
	case token.LPAREN:
		c.lex.Advance()
		e, err := c.compileExpr(s)
		if err != nil {
			return expression{}, err
		}
		if _, err := c.expect(token.RPAREN); err != nil {
			return expression{}, err
		}
		return e, nil
	case token.IDENT:
		c.lex.Advance()
		if c.lex.Peek().Kind == token.LPAREN {
			return c.compileCall(s, t)
		}
		reg, ok := s.lookup(t.Sym)
		if !ok {
			return expression{}, errf(t.Line, "undefined variable %q", t.Text)
		}
		return borrowedReg(reg), nil
	default:
		return expression{}, errf(t.Line, "unexpected token %s in expression", t)
	}
}

// compileCall reserves a call header register, places the callee's
// entry displacement there via MOVI (resolved immediately or deferred
// until the callee is compiled), materializes each argument into the
// reserved argument window, then emits CALL.
func (c *compiler) compileCall(s *scope, name token.Token) (expression, error) {
	info, ok := c.funcs[name.Sym]
	if !ok {
		return expression{}, errf(name.Line, "undefined function %q", name.Text)
	}

	header, err := s.alloc(name.Line)
	if err != nil {
		return expression{}, err
	}
	movIPos := c.emit(NewAD(MOVI, header, 0))

	for i := 0; i < info.arity; i++ {
		if _, err := s.alloc(name.Line); err != nil {
			return expression{}, err
		}
	}

	if _, err := c.expect(token.LPAREN); err != nil {
		return expression{}, err
	}
	argc := 0
	if c.lex.Peek().Kind != token.RPAREN {
		for {
			if argc >= info.arity {
				return expression{}, errf(name.Line, "function %q expects %d argument(s)", name.Text, info.arity)
			}
			argExpr, err := c.compileExpr(s)
			if err != nil {
				return expression{}, err
			}
			reg, owned, err := c.exprToReg(s, argExpr, name.Line)
			if err != nil {
				return expression{}, err
			}
			target := header + 1 + uint8(argc)
			if reg != target {
				c.emit(NewABC(MOVR, target, reg, 0))
				if owned {
					s.free(reg)
				}
			}
			argc++
			if c.lex.Peek().Kind == token.COMMA {
				c.lex.Advance()
				continue
			}
			break
		}
	}
	if _, err := c.expect(token.RPAREN); err != nil {
		return expression{}, err
	}
	if argc != info.arity {
		return expression{}, errf(name.Line, "function %q expects %d argument(s), got %d", name.Text, info.arity, argc)
	}

	callPos := c.emit(NewABC(CALL, header, uint8(argc), 0))
	c.resolveCallTarget(name.Sym, movIPos, callPos)
	return ownedReg(header), nil
}

// --- statements ---

func (c *compiler) compileStatement(s *scope) error {
	t := c.lex.Peek()
	switch t.Kind {
	case token.LET:
		return c.compileLet(s)
	case token.IF:
		return c.compileIf(s)
	case token.WHILE:
		return c.compileWhile(s)
	case token.RETURN:
		return c.compileReturn(s)
	case token.IN:
		return c.compileIn(s)
	case token.OUT:
		return c.compileOut(s)
	case token.LBRACE:
		return c.compileBlockAsScope(s)
	case token.IDENT:
		return c.compileIdentStatement(s)
	default:
		return errf(t.Line, "unexpected token %s at start of statement", t)
	}
}

func (c *compiler) compileLet(s *scope) error {
	c.lex.Advance()
	name, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.ASSIGN); err != nil {
		return err
	}
	expr, err := c.compileExpr(s)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.SEMI); err != nil {
		return err
	}
	reg, err := s.declare(name.Sym, name.Line)
	if err != nil {
		return err
	}
	return c.materializeInto(s, reg, expr)
}

func (c *compiler) compileIdentStatement(s *scope) error {
	name := c.lex.Advance()
	t := c.lex.Peek()
	switch t.Kind {
	case token.ASSIGN:
		c.lex.Advance()
		expr, err := c.compileExpr(s)
		if err != nil {
			return err
		}
		if _, err := c.expect(token.SEMI); err != nil {
			return err
		}
		reg, ok := s.lookup(name.Sym)
		if !ok {
			return errf(name.Line, "undefined variable %q", name.Text)
		}
		return c.materializeInto(s, reg, expr)
	case token.LPAREN:
		expr, err := c.compileCall(s, name)
		if err != nil {
			return err
		}
		if _, err := c.expect(token.SEMI); err != nil {
			return err
		}
		if expr.owned {
			s.free(expr.reg)
		}
		return nil
	default:
		return errf(t.Line, "expected '=' or '(' after identifier, got %s", t)
	}
}

func (c *compiler) compileReturn(s *scope) error {
	line := c.lex.Advance().Line
	expr, err := c.compileExpr(s)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.SEMI); err != nil {
		return err
	}
	if expr.isConst() && fits16(expr.constant) {
		c.emit(NewAD(RETI, 0, int16(expr.constant)))
		return nil
	}
	reg, owned, err := c.exprToReg(s, expr, line)
	if err != nil {
		return err
	}
	c.emit(NewABC(RETR, reg, 0, 0))
	if owned {
		s.free(reg)
	}
	return nil
}

func (c *compiler) compileIn(s *scope) error {
	c.lex.Advance()
	name, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.SEMI); err != nil {
		return err
	}
	reg, ok := s.lookup(name.Sym)
	if !ok {
		return errf(name.Line, "undefined variable %q", name.Text)
	}
	c.emit(NewABC(IN, reg, 0, 0))
	return nil
}

func (c *compiler) compileOut(s *scope) error {
	line := c.lex.Advance().Line
	expr, err := c.compileExpr(s)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.SEMI); err != nil {
		return err
	}
	reg, owned, err := c.exprToReg(s, expr, line)
	if err != nil {
		return err
	}
	c.emit(NewABC(OUT, reg, 0, 0))
	if owned {
		s.free(reg)
	}
	return nil
}

// compileIf implements if/else-if/else jump-list patching, plus a
// constant-condition fast path that folds away whichever arms are
// statically dead.
func (c *compiler) compileIf(s *scope) error {
	c.lex.Advance()
	endList := noJump
	for {
		cond, err := c.compileExpr(s)
		if err != nil {
			return err
		}
		if cond.isConst() {
			if cond.constant != 0 {
				if err := c.compileBlockAsScope(s); err != nil {
					return err
				}
				if err := c.skipElseChain(s); err != nil {
					return err
				}
				c.patchJumpList(endList, c.pos())
				return nil
			}
			if err := c.discardBlock(s); err != nil {
				return err
			}
		} else {
			condReg, owned, err := c.exprToReg(s, cond, 0)
			if err != nil {
				return err
			}
			jfPos := c.emit(NewAD(JF, condReg, 0))
			if owned {
				s.free(condReg)
			}
			if err := c.compileBlockAsScope(s); err != nil {
				return err
			}
			jmpPos := c.emit(NewAD(JMP, 0, 0))
			endList = c.appendJump(endList, jmpPos)
			c.setD(jfPos, int16(c.pos()-jfPos-1))
		}

		if c.lex.Peek().Kind != token.ELSE {
			break
		}
		c.lex.Advance()
		if c.lex.Peek().Kind == token.IF {
			c.lex.Advance()
			continue
		}
		if err := c.compileBlockAsScope(s); err != nil {
			return err
		}
		break
	}
	c.patchJumpList(endList, c.pos())
	return nil
}

// skipElseChain discards the remainder of an else-if/else chain
// following an arm already proven statically taken.
func (c *compiler) skipElseChain(s *scope) error {
	for c.lex.Peek().Kind == token.ELSE {
		c.lex.Advance()
		if c.lex.Peek().Kind == token.IF {
			c.lex.Advance()
			mark := s.nextFree
			err := c.withDiscard(func() error {
				_, err := c.compileExpr(s)
				return err
			})
			s.nextFree = mark
			if err != nil {
				return err
			}
			if err := c.discardBlock(s); err != nil {
				return err
			}
			continue
		}
		return c.discardBlock(s)
	}
	return nil
}

// compileWhile implements loop patching, with the same
// constant-condition fast path as compileIf.
func (c *compiler) compileWhile(s *scope) error {
	c.lex.Advance()
	head := c.pos()
	cond, err := c.compileExpr(s)
	if err != nil {
		return err
	}
	if cond.isConst() {
		if cond.constant == 0 {
			return c.discardBlock(s)
		}
		if err := c.compileBlockAsScope(s); err != nil {
			return err
		}
		c.emit(NewAD(JMP, 0, int16(head-c.pos()-1)))
		return nil
	}

	condReg, owned, err := c.exprToReg(s, cond, 0)
	if err != nil {
		return err
	}
	jfPos := c.emit(NewAD(JF, condReg, 0))
	if owned {
		s.free(condReg)
	}
	if err := c.compileBlockAsScope(s); err != nil {
		return err
	}
	c.emit(NewAD(JMP, 0, int16(head-c.pos()-1)))
	c.setD(jfPos, int16(c.pos()-jfPos-1))
	return nil
}

func (c *compiler) compileBlockAsScope(s *scope) error {
	if _, err := c.expect(token.LBRACE); err != nil {
		return err
	}
	child := newScope(s)
	for c.lex.Peek().Kind != token.RBRACE {
		if c.lex.Peek().Kind == token.EOF {
			return errf(0, "unterminated block")
		}
		if err := c.compileStatement(child); err != nil {
			return err
		}
	}
	c.lex.Advance()
	return nil
}

func (c *compiler) compileFunctionBody(s *scope) error {
	if _, err := c.expect(token.LBRACE); err != nil {
		return err
	}
	for c.lex.Peek().Kind != token.RBRACE {
		if c.lex.Peek().Kind == token.EOF {
			return errf(0, "unterminated function body")
		}
		if err := c.compileStatement(s); err != nil {
			return err
		}
	}
	c.lex.Advance()
	return nil
}

// compileFunction emits one function's body, recording its true entry
// position and resolving any forward references queued by earlier
// calls.
func (c *compiler) compileFunction() error {
	c.lex.Advance()
	name, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}
	info, ok := c.funcs[name.Sym]
	if !ok {
		return errf(name.Line, "internal: %q missing from discovery pass", name.Text)
	}

	if _, err := c.expect(token.LPAREN); err != nil {
		return err
	}
	var paramSyms []int
	if c.lex.Peek().Kind != token.RPAREN {
		for {
			p, err := c.expect(token.IDENT)
			if err != nil {
				return err
			}
			paramSyms = append(paramSyms, p.Sym)
			if c.lex.Peek().Kind == token.COMMA {
				c.lex.Advance()
				continue
			}
			break
		}
	}
	if _, err := c.expect(token.RPAREN); err != nil {
		return err
	}
	if len(paramSyms) != info.arity {
		return errf(name.Line, "internal: arity mismatch for %q between passes", name.Text)
	}

	entry := c.pos()
	info.entry = entry
	c.funcs[name.Sym] = info
	for _, pc := range c.pending[name.Sym] {
		c.setD(pc.movIPos, int16(entry-pc.callPos-1))
	}
	delete(c.pending, name.Sym)

	fnScope := newScope(nil)
	for i, psym := range paramSyms {
		fnScope.vars[psym] = uint8(i)
	}
	fnScope.nextFree = uint8(len(paramSyms))

	return c.compileFunctionBody(fnScope)
}
