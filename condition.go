package tables

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Conditions use the numexpr subset PyTables accepts in Table.Where:
// comparisons, the boolean operators & | ^ ~, arithmetic, parentheses,
// names and literals, with Python operator precedence.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case (c == 'b' || c == 'B') && i+1 < len(src) && (src[i+1] == '\'' || src[i+1] == '"'):
			s, n, err := lexString(src, i+1)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i += 1 + n
		case c == '\'' || c == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			toks = append(toks, token{tokName, src[i:j], i})
			i = j
		case unicode.IsDigit(c) || c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1])):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				(src[j] == '+' || src[j] == '-') && (src[j-1] == 'e' || src[j-1] == 'E')) {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		default:
			op := ""
			for _, cand := range []string{"**", "<=", ">=", "==", "!=", "<", ">", "&", "|", "^", "~", "+", "-", "*", "/", "%"} {
				if strings.HasPrefix(src[i:], cand) {
					op = cand
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("%w: unexpected %q at %d", ErrBadCondition, c, i)
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

// lexString reads a quoted literal starting at src[i] and returns its
// value and the bytes consumed.
func lexString(src string, i int) (string, int, error) {
	quote := src[i]
	var b strings.Builder
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case quote:
			return b.String(), j + 1 - i, nil
		case '\\':
			if j+1 < len(src) {
				j++
				switch src[j] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '0':
					b.WriteByte(0)
				default:
					b.WriteByte(src[j])
				}
			}
		default:
			b.WriteByte(src[j])
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated string at %d", ErrBadCondition, i)
}

// expr is a node of a parsed condition.
type expr any

type (
	literal struct{ v any }
	colRef  struct{ col *Column }
	unary   struct {
		op string
		x  expr
	}
	binaryExpr struct {
		op   string
		l, r expr
	}
)

type parser struct {
	toks []token
	pos  int
	t    *Table
	vars map[string]any
}

// parseCondition parses cond against the columns of t. Names resolve to
// vars first, then to columns.
func parseCondition(t *Table, cond string, vars map[string]any) (expr, error) {
	toks, err := lex(cond)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, t: t, vars: vars}
	e, err := p.comparison()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrBadCondition, tok.text, tok.pos)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) accept(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

// comparison handles chains: a < b <= c means (a < b) & (b <= c).
func (p *parser) comparison() (expr, error) {
	left, err := p.binaryLevel(0)
	if err != nil {
		return nil, err
	}
	var out expr
	for {
		op, ok := p.accept("<", "<=", ">", ">=", "==", "!=")
		if !ok {
			break
		}
		right, err := p.binaryLevel(0)
		if err != nil {
			return nil, err
		}
		link := binaryExpr{op: op, l: left, r: right}
		if out == nil {
			out = link
		} else {
			out = binaryExpr{op: "&", l: out, r: link}
		}
		left = right
	}
	if out == nil {
		return left, nil
	}
	return out, nil
}

// Binary operator levels from loosest to tightest.
var binaryLevels = [][]string{{"|"}, {"^"}, {"&"}, {"+", "-"}, {"*", "/", "%"}}

func (p *parser) binaryLevel(level int) (expr, error) {
	if level == len(binaryLevels) {
		return p.unary()
	}
	left, err := p.binaryLevel(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(binaryLevels[level]...)
		if !ok {
			return left, nil
		}
		right, err := p.binaryLevel(level + 1)
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, l: left, r: right}
	}
}

func (p *parser) unary() (expr, error) {
	if op, ok := p.accept("-", "~", "+"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return x, nil
		}
		return unary{op: op, x: x}, nil
	}
	return p.power()
}

func (p *parser) power() (expr, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept("**"); ok {
		exp, err := p.unary()
		if err != nil {
			return nil, err
		}
		return binaryExpr{op: "**", l: base, r: exp}, nil
	}
	return base, nil
}

func (p *parser) primary() (expr, error) {
	tok := p.peek()
	p.pos++
	switch tok.kind {
	case tokLParen:
		e, err := p.comparison()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ) at %d", ErrBadCondition, p.peek().pos)
		}
		p.pos++
		return e, nil
	case tokNumber:
		if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
			return literal{i}, nil
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrBadCondition, tok.text)
		}
		return literal{f}, nil
	case tokString:
		return literal{tok.text}, nil
	case tokName:
		return p.name(tok)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrBadCondition, tok.text, tok.pos)
}

func (p *parser) name(tok token) (expr, error) {
	if v, ok := p.vars[tok.text]; ok {
		if c, ok := v.(*Column); ok {
			if c.table != p.t {
				return nil, fmt.Errorf("%w: %s is a column of %s", ErrBadCondition, tok.text, c.table.path)
			}
			return colRef{c}, nil
		}
		return literal{normalizeScalar(v)}, nil
	}
	switch tok.text {
	case "True":
		return literal{true}, nil
	case "False":
		return literal{false}, nil
	case "inf":
		return literal{math.Inf(1)}, nil
	case "nan":
		return literal{math.NaN()}, nil
	}
	if c, err := p.t.Col(tok.text); err == nil {
		return colRef{c}, nil
	}
	return nil, fmt.Errorf("%w: undefined name %q", ErrBadCondition, tok.text)
}

// normalizeScalar maps Go scalars to int64, uint64, float64, bool or
// string.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case bool, string, int64, float64:
		return x
	case []byte:
		return string(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	}
	if i, ok := toInt64(v); ok {
		return i
	}
	if f, ok := toFloat64(v); ok {
		return f
	}
	return v
}

// eval computes e for one row; row may be nil for constant expressions.
func eval(e expr, row *Row) (any, error) {
	switch n := e.(type) {
	case literal:
		return n.v, nil
	case colRef:
		if row == nil {
			return nil, fmt.Errorf("%w: column %s in a constant", ErrBadCondition, n.col.Name)
		}
		if len(n.col.Atom.Shape) > 0 {
			return nil, fmt.Errorf("%w: array column %s in a condition", ErrBadCondition, n.col.Name)
		}
		v, err := n.col.value(row.raw)
		if err != nil {
			return nil, err
		}
		return normalizeScalar(v), nil
	case unary:
		x, err := eval(n.x, row)
		if err != nil {
			return nil, err
		}
		return evalUnary(n.op, x)
	case binaryExpr:
		l, err := eval(n.l, row)
		if err != nil {
			return nil, err
		}
		r, err := eval(n.r, row)
		if err != nil {
			return nil, err
		}
		return evalBinary(n.op, l, r)
	}
	return nil, fmt.Errorf("%w: unknown node %T", ErrBadCondition, e)
}

func evalUnary(op string, x any) (any, error) {
	switch op {
	case "~":
		if b, ok := x.(bool); ok {
			return !b, nil
		}
		return nil, fmt.Errorf("%w: ~ on %T", ErrBadCondition, x)
	case "-":
		switch v := x.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
		return nil, fmt.Errorf("%w: - on %T", ErrBadCondition, x)
	}
	return nil, fmt.Errorf("%w: operator %s", ErrBadCondition, op)
}

func evalBinary(op string, l, r any) (any, error) {
	switch op {
	case "&", "|", "^":
		a, ok1 := l.(bool)
		b, ok2 := r.(bool)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: %s needs booleans, got %T and %T", ErrBadCondition, op, l, r)
		}
		switch op {
		case "&":
			return a && b, nil
		case "|":
			return a || b, nil
		}
		return a != b, nil
	case "<", "<=", ">", ">=", "==", "!=":
		c, ok, err := compareValues(l, r)
		if err != nil {
			return nil, err
		}
		if !ok {
			// NaN compares unequal to everything.
			return op == "!=", nil
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		case "==":
			return c == 0, nil
		}
		return c != 0, nil
	}
	return arith(op, l, r)
}

// compareValues orders two scalars. ok is false when either is NaN.
func compareValues(l, r any) (int, bool, error) {
	if a, ok := l.(string); ok {
		b, ok := r.(string)
		if !ok {
			return 0, false, fmt.Errorf("%w: comparing string with %T", ErrBadCondition, r)
		}
		return strings.Compare(a, b), true, nil
	}
	if _, ok := r.(string); ok {
		return 0, false, fmt.Errorf("%w: comparing %T with string", ErrBadCondition, l)
	}
	l, r = boolToInt(l), boolToInt(r)
	if c, ok := compareExact(l, r); ok {
		return c, true, nil
	}
	a, ok1 := numeric(l)
	b, ok2 := numeric(r)
	if !ok1 || !ok2 {
		return 0, false, fmt.Errorf("%w: comparing %T with %T", ErrBadCondition, l, r)
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		return 0, false, nil
	}
	return cmp.Compare(a, b), true, nil
}

// compareExact orders integers against integers and floats without
// rounding the integer to a float. ok is false for two floats, a NaN or
// a non-numeric operand.
func compareExact(l, r any) (int, bool) {
	switch a := l.(type) {
	case int64:
		switch b := r.(type) {
		case int64:
			return cmp.Compare(a, b), true
		case uint64:
			return compareIntUint(a, b), true
		case float64:
			if math.IsNaN(b) {
				return 0, false
			}
			return compareIntFloat(a, b), true
		}
	case uint64:
		switch b := r.(type) {
		case int64:
			return -compareIntUint(b, a), true
		case uint64:
			return cmp.Compare(a, b), true
		case float64:
			if math.IsNaN(b) {
				return 0, false
			}
			return compareUintFloat(a, b), true
		}
	case float64:
		if math.IsNaN(a) {
			return 0, false
		}
		switch b := r.(type) {
		case int64:
			return -compareIntFloat(b, a), true
		case uint64:
			return -compareUintFloat(b, a), true
		}
	}
	return 0, false
}

func compareIntUint(a int64, b uint64) int {
	if a < 0 {
		return -1
	}
	return cmp.Compare(uint64(a), b)
}

// twoTo63 is the smallest float64 above every int64.
const twoTo63 = float64(1 << 63)

func compareIntFloat(a int64, b float64) int {
	switch {
	case b >= twoTo63:
		return -1
	case b < -twoTo63:
		return 1
	}
	t := math.Trunc(b)
	if c := cmp.Compare(a, int64(t)); c != 0 {
		return c
	}
	return cmp.Compare(0, b-t)
}

func compareUintFloat(a uint64, b float64) int {
	switch {
	case b < 0:
		return 1
	case b >= 2*twoTo63:
		return -1
	}
	t := math.Trunc(b)
	if c := cmp.Compare(a, uint64(t)); c != 0 {
		return c
	}
	return cmp.Compare(0, b-t)
}

func boolToInt(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func arith(op string, l, r any) (any, error) {
	ai, aInt := l.(int64)
	bi, bInt := r.(int64)
	if aInt && bInt && op != "/" && op != "**" {
		switch op {
		case "+":
			return ai + bi, nil
		case "-":
			return ai - bi, nil
		case "*":
			return ai * bi, nil
		case "%":
			if bi == 0 {
				return nil, fmt.Errorf("%w: integer modulo by zero", ErrBadCondition)
			}
			return ai % bi, nil
		}
	}
	a, ok1 := numeric(l)
	b, ok2 := numeric(r)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: %s on %T and %T", ErrBadCondition, op, l, r)
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		return a / b, nil
	case "%":
		return math.Mod(a, b), nil
	case "**":
		return math.Pow(a, b), nil
	}
	return nil, fmt.Errorf("%w: operator %s", ErrBadCondition, op)
}

// columns lists the columns e refers to.
func columns(e expr) []*Column {
	switch n := e.(type) {
	case colRef:
		return []*Column{n.col}
	case unary:
		return columns(n.x)
	case binaryExpr:
		return append(columns(n.l), columns(n.r)...)
	}
	return nil
}
