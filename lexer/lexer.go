// Package lexer turns source text into the token.Token stream the
// compiler consumes. The compiler only depends on the Peek/Advance
// contract, never on this package's internals.
package lexer

import (
	"strconv"

	"ralang/token"
)

// Lexer scans UTF-8 source text one token at a time. Identifiers are
// interned into a SymbolTable as they are scanned, so a given spelling
// carries the same symbol id everywhere in the compilation.
type Lexer struct {
	src  string
	pos  int
	line int
	syms *SymbolTable

	cur token.Token
}

// New creates a Lexer over src. syms may be shared across lexers if a
// multi-file compilation ever needs symbols to agree across files; the
// CLI driver concatenates files before lexing, so in practice one
// SymbolTable per Lexer suffices.
func New(src string, syms *SymbolTable) *Lexer {
	l := &Lexer{src: src, line: 1, syms: syms}
	l.cur = l.scan()
	return l
}

// Peek returns the current token without consuming it.
func (l *Lexer) Peek() token.Token {
	return l.cur
}

// Advance consumes the current token and returns it; a subsequent Peek
// observes the next token in the stream.
func (l *Lexer) Advance() token.Token {
	t := l.cur
	if t.Kind != token.EOF {
		l.cur = l.scan()
	}
	return t
}

func (l *Lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peekByteAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *Lexer) advanceByte() byte {
	b := l.src[l.pos]
	l.pos++
	if b == '\n' {
		l.line++
	}
	return b
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentCont(b byte) bool {
	return isIdentStart(b) || isDigit(b)
}

func (l *Lexer) skipTrivia() {
	for l.pos < len(l.src) {
		b := l.peekByte()
		if isSpace(b) {
			l.advanceByte()
			continue
		}
		if b == '/' && l.peekByteAt(1) == '/' {
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advanceByte()
			}
			continue
		}
		break
	}
}

// scan reads and returns the next token from the current position.
func (l *Lexer) scan() token.Token {
	l.skipTrivia()

	startPos, startLine := l.pos, l.line
	if l.pos >= len(l.src) {
		return token.Token{Kind: token.EOF, Pos: startPos, Line: startLine}
	}

	b := l.peekByte()
	switch {
	case isIdentStart(b):
		return l.scanIdent(startPos, startLine)
	case isDigit(b):
		return l.scanInt(startPos, startLine)
	}

	l.advanceByte()
	simple := func(k token.Kind) token.Token {
		return token.Token{Kind: k, Pos: startPos, Line: startLine}
	}
	twoCharOr := func(second byte, two, one token.Kind) token.Token {
		if l.peekByte() == second {
			l.advanceByte()
			return simple(two)
		}
		return simple(one)
	}

	switch b {
	case '(':
		return simple(token.LPAREN)
	case ')':
		return simple(token.RPAREN)
	case '{':
		return simple(token.LBRACE)
	case '}':
		return simple(token.RBRACE)
	case ',':
		return simple(token.COMMA)
	case ';':
		return simple(token.SEMI)
	case '+':
		return simple(token.PLUS)
	case '-':
		return simple(token.MINUS)
	case '*':
		return simple(token.STAR)
	case '/':
		return simple(token.SLASH)
	case '%':
		return simple(token.PERCENT)
	case '=':
		return twoCharOr('=', token.EQ, token.ASSIGN)
	case '!':
		return twoCharOr('=', token.NE, token.BANG)
	case '<':
		return twoCharOr('=', token.LE, token.LT)
	case '>':
		return twoCharOr('=', token.GE, token.GT)
	default:
		return token.Token{
			Kind: token.ERROR,
			Pos:  startPos,
			Line: startLine,
			Text: "unknown character '" + string(rune(b)) + "'",
		}
	}
}

func (l *Lexer) scanIdent(startPos, startLine int) token.Token {
	for l.pos < len(l.src) && isIdentCont(l.peekByte()) {
		l.advanceByte()
	}
	text := l.src[startPos:l.pos]
	if kw, ok := token.Keywords[text]; ok {
		return token.Token{Kind: kw, Pos: startPos, Line: startLine, Text: text}
	}
	return token.Token{
		Kind: token.IDENT,
		Pos:  startPos,
		Line: startLine,
		Text: text,
		Sym:  l.syms.Intern(text),
	}
}

func (l *Lexer) scanInt(startPos, startLine int) token.Token {
	for l.pos < len(l.src) && isDigit(l.peekByte()) {
		l.advanceByte()
	}
	text := l.src[startPos:l.pos]
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token.Token{
			Kind: token.ERROR,
			Pos:  startPos,
			Line: startLine,
			Text: "integer literal out of range: " + text,
		}
	}
	return token.Token{Kind: token.INT, Pos: startPos, Line: startLine, Text: text, IntVal: v}
}
