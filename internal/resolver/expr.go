package resolver

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
)

// literalOnly is the whole alphabet a computed expression may use.
var literalOnly = regexp.MustCompile(`^[0-9.\s()+\-*/]+$`)

const maxExprLen = 256

// Eval evaluates an arithmetic expression over numeric literals. Anything
// outside digits, '.', whitespace, parentheses and + - * / is rejected, as is
// a malformed or non-finite result; callers show 0 on rejection.
func Eval(expr string) (float64, error) {
	if len(expr) > maxExprLen || !literalOnly.MatchString(expr) {
		return 0, errs.Rejected("resolver", "eval", fmt.Errorf("expression %q contains disallowed content", expr))
	}
	p := &parser{src: expr}
	v, err := p.parseExpr()
	if err == nil {
		p.skipSpace()
		if p.pos != len(p.src) {
			err = fmt.Errorf("unexpected %q at %d", p.src[p.pos], p.pos)
		}
	}
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = fmt.Errorf("result is not finite")
	}
	if err != nil {
		return 0, errs.Rejected("resolver", "eval", err)
	}
	return v, nil
}

type parser struct {
	src   string
	pos   int
	depth int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			r, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			v *= r
		case '/':
			p.pos++
			r, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		default:
			return v, nil
		}
	}
}

// unary := ('+'|'-') unary | primary
func (p *parser) parseUnary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

// primary := number | '(' expr ')'
func (p *parser) parsePrimary() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.depth++
		if p.depth > 32 {
			return 0, fmt.Errorf("nesting too deep")
		}
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing ')' at %d", p.pos)
		}
		p.pos++
		p.depth--
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
		p.pos++
	}
	if start == p.pos {
		if c == 0 {
			return 0, fmt.Errorf("unexpected end of expression")
		}
		return 0, fmt.Errorf("unexpected %q at %d", c, p.pos)
	}
	return strconv.ParseFloat(p.src[start:p.pos], 64)
}
