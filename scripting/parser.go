package scripting

import (
	"strings"
	"unicode"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/wyfcoding/quantcore/xerrors"
)

var keywords = map[string]bool{
	"IF": true, "THEN": true, "ELSE": true, "END": true,
	"FOR": true, "IN": true, "DO": true,
	"REQUIRE": true, "NUMBER": true,
}

// 大写的逻辑运算符改写为表达式解析器的小写形式.
var logicalWords = map[string]string{"AND": "and", "OR": "or", "NOT": "not"}

// 内置函数及其参数个数.
var functionArity = map[string]int{
	"abs": 1, "exp": 1, "ln": 1, "log": 1, "sqrt": 1,
	"normalCdf": 1, "normalPdf": 1,
	"max": 2, "min": 2, "pow": 2,
	"black": 6,
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokKeyword
	tokSemicolon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func syntaxError(pos int, format string, args ...any) error {
	return xerrors.Newf(xerrors.ErrScriptSyntax, "at offset %d: "+format, append([]any{pos}, args...)...)
}

func tokenize(script string) ([]token, error) {
	var (
		toks  []token
		text  strings.Builder
		start = -1
	)
	flush := func() {
		if s := strings.TrimSpace(text.String()); s != "" {
			toks = append(toks, token{kind: tokText, text: s, pos: start})
		}
		text.Reset()
		start = -1
	}
	mark := func(i int) {
		if start < 0 {
			start = i
		}
	}

	rs := []rune(script)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case r == ';':
			flush()
			toks = append(toks, token{kind: tokSemicolon, text: ";", pos: i})
			i++
		case r == '/' && i+1 < len(rs) && rs[i+1] == '/':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '"' || r == '\'' || r == '`':
			j := i + 1
			for j < len(rs) && rs[j] != r {
				if rs[j] == '\\' && r != '`' {
					j++
				}
				j++
			}
			if j >= len(rs) {
				return nil, syntaxError(i, "unterminated string")
			}
			mark(i)
			text.WriteString(string(rs[i : j+1]))
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			word := string(rs[i:j])
			switch {
			case keywords[word]:
				flush()
				toks = append(toks, token{kind: tokKeyword, text: word, pos: i})
			case logicalWords[word] != "":
				mark(i)
				text.WriteString(" " + logicalWords[word] + " ")
			default:
				mark(i)
				text.WriteString(word)
			}
			i = j
		default:
			if !unicode.IsSpace(r) {
				mark(i)
			}
			text.WriteRune(r)
			i++
		}
	}
	flush()
	return toks, nil
}

type stmtParser struct {
	toks []token
	pos  int
}

func (p *stmtParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *stmtParser) isKeyword(words ...string) bool {
	t, ok := p.peek()
	if !ok || t.kind != tokKeyword {
		return false
	}
	for _, w := range words {
		if t.text == w {
			return true
		}
	}
	return false
}

func (p *stmtParser) expectKeyword(word string) error {
	t, ok := p.peek()
	if !ok {
		return syntaxError(lastPos(p.toks), "expected %s, got end of script", word)
	}
	if t.kind != tokKeyword || t.text != word {
		return syntaxError(t.pos, "expected %s, got %q", word, t.text)
	}
	p.pos++
	return nil
}

func (p *stmtParser) expectText(what string) (token, error) {
	t, ok := p.peek()
	if !ok {
		return token{}, syntaxError(lastPos(p.toks), "expected %s, got end of script", what)
	}
	if t.kind != tokText {
		return token{}, syntaxError(t.pos, "expected %s, got %q", what, t.text)
	}
	p.pos++
	return t, nil
}

func lastPos(toks []token) int {
	if len(toks) == 0 {
		return 0
	}
	return toks[len(toks)-1].pos
}

// parseSequence 解析语句序列, 直到脚本结束或遇到 terminators 中的关键字.
func (p *stmtParser) parseSequence(terminators ...string) (*Node, error) {
	seq := &Node{Kind: KindSequence}
	for {
		for {
			t, ok := p.peek()
			if !ok || t.kind != tokSemicolon {
				break
			}
			p.pos++
		}
		t, ok := p.peek()
		if !ok {
			if len(terminators) > 0 {
				return nil, syntaxError(lastPos(p.toks), "expected %s, got end of script", strings.Join(terminators, " or "))
			}
			return seq, nil
		}
		if p.isKeyword(terminators...) {
			return seq, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		seq.Args = append(seq.Args, stmt)

		next, ok := p.peek()
		if ok && next.kind != tokSemicolon && !p.isKeyword(terminators...) {
			return nil, syntaxError(next.pos, "expected ; after statement at offset %d, got %q", t.pos, next.text)
		}
	}
}

func (p *stmtParser) parseStatement() (*Node, error) {
	t, _ := p.peek()
	if t.kind == tokText {
		p.pos++
		return parseAssignment(t)
	}
	p.pos++
	switch t.text {
	case "IF":
		condTok, err := p.expectText("condition")
		if err != nil {
			return nil, err
		}
		cond, err := parseExpression(condTok.text, condTok.pos)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseSequence("ELSE", "END")
		if err != nil {
			return nil, err
		}
		var els *Node
		if p.isKeyword("ELSE") {
			p.pos++
			if els, err = p.parseSequence("END"); err != nil {
				return nil, err
			}
		}
		if err := p.expectKeyword("END"); err != nil {
			return nil, err
		}
		return &Node{Kind: KindIfThenElse, Args: []*Node{cond, then, els}}, nil

	case "FOR":
		varTok, err := p.expectText("loop variable")
		if err != nil {
			return nil, err
		}
		if !isIdentifier(varTok.text) {
			return nil, syntaxError(varTok.pos, "invalid loop variable %q", varTok.text)
		}
		if err := p.expectKeyword("IN"); err != nil {
			return nil, err
		}
		rangeTok, err := p.expectText("loop range")
		if err != nil {
			return nil, err
		}
		bounds, err := parseLoopRange(rangeTok)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("DO"); err != nil {
			return nil, err
		}
		body, err := p.parseSequence("END")
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("END"); err != nil {
			return nil, err
		}
		return &Node{Kind: KindLoop, Name: varTok.text, Args: append(bounds, body)}, nil

	case "REQUIRE":
		condTok, err := p.expectText("condition")
		if err != nil {
			return nil, err
		}
		cond, err := parseExpression(condTok.text, condTok.pos)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindRequire, Args: []*Node{cond}}, nil

	case "NUMBER":
		namesTok, err := p.expectText("variable names")
		if err != nil {
			return nil, err
		}
		decl := &Node{Kind: KindDeclaration}
		for _, name := range strings.Split(namesTok.text, ",") {
			name = strings.TrimSpace(name)
			if !isIdentifier(name) {
				return nil, syntaxError(namesTok.pos, "invalid variable name %q", name)
			}
			decl.Args = append(decl.Args, NewVariable(name, nil))
		}
		return decl, nil
	}
	return nil, syntaxError(t.pos, "unexpected %s", t.text)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if !(unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r))) {
			return false
		}
	}
	return true
}

// splitTopLevel 在括号深度为 0 处按 sep 切分, 忽略引号内的内容.
func splitTopLevel(s string, sep rune) []string {
	var (
		parts []string
		depth int
		quote rune
		last  int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
		case r == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

func parseLoopRange(t token) ([]*Node, error) {
	s := strings.TrimSpace(t.text)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, syntaxError(t.pos, "loop range must be (from, to, step), got %q", s)
	}
	parts := splitTopLevel(s[1:len(s)-1], ',')
	if len(parts) != 3 {
		return nil, syntaxError(t.pos, "loop range must have three bounds, got %d", len(parts))
	}
	bounds := make([]*Node, 3)
	for i, part := range parts {
		n, err := parseExpression(part, t.pos)
		if err != nil {
			return nil, err
		}
		bounds[i] = n
	}
	return bounds, nil
}

// assignmentIndex 返回顶层单个 '=' 的位置, 不存在时为 -1.
func assignmentIndex(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == '=' && depth == 0:
			if i+1 < len(s) && s[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.IndexByte("=<>!", s[i-1]) >= 0 {
				continue
			}
			return i
		}
	}
	return -1
}

func parseAssignment(t token) (*Node, error) {
	i := assignmentIndex(t.text)
	if i < 0 {
		return nil, syntaxError(t.pos, "expected assignment, got %q", t.text)
	}
	lhs, err := parseExpression(t.text[:i], t.pos)
	if err != nil {
		return nil, err
	}
	if lhs.Kind != KindVariable {
		return nil, syntaxError(t.pos, "left hand side of %q is not a variable", t.text)
	}
	rhs, err := parseExpression(t.text[i+1:], t.pos+i+1)
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindAssignment, Args: []*Node{lhs, rhs}}, nil
}

func parseExpression(src string, pos int) (*Node, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, syntaxError(pos, "empty expression")
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, xerrors.Newf(xerrors.ErrScriptSyntax, "at offset %d: cannot parse %q", pos, src).WithCause(err)
	}
	c := converter{src: src, pos: pos}
	return c.convert(tree.Node)
}

type converter struct {
	src string
	pos int
}

func (c converter) unsupported(n ast.Node) error {
	return syntaxError(c.pos, "unsupported syntax %q in %q", n.String(), c.src)
}

func (c converter) convertAll(nodes []ast.Node) ([]*Node, error) {
	out := make([]*Node, len(nodes))
	for i, a := range nodes {
		n, err := c.convert(a)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (c converter) convert(n ast.Node) (*Node, error) {
	switch v := n.(type) {
	case *ast.IntegerNode:
		return NewNumber(float64(v.Value)), nil
	case *ast.FloatNode:
		return NewNumber(v.Value), nil
	case *ast.BoolNode:
		if v.Value {
			return NewNumber(1), nil
		}
		return NewNumber(0), nil
	case *ast.StringNode:
		return &Node{Kind: KindString, Name: v.Value}, nil
	case *ast.IdentifierNode:
		return NewVariable(v.Value, nil), nil
	case *ast.MemberNode:
		id, ok := v.Node.(*ast.IdentifierNode)
		if !ok || v.Optional || v.Method {
			return nil, c.unsupported(n)
		}
		if _, field := v.Property.(*ast.StringNode); field {
			return nil, c.unsupported(n)
		}
		idx, err := c.convert(v.Property)
		if err != nil {
			return nil, err
		}
		return NewVariable(id.Value, idx), nil
	case *ast.UnaryNode:
		arg, err := c.convert(v.Node)
		if err != nil {
			return nil, err
		}
		switch v.Operator {
		case "-":
			return NewNode(KindNegate, "-", arg), nil
		case "+":
			return arg, nil
		case "not", "!":
			return NewNode(KindCondition, "not", arg), nil
		}
		return nil, c.unsupported(n)
	case *ast.BinaryNode:
		l, err := c.convert(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.convert(v.Right)
		if err != nil {
			return nil, err
		}
		switch v.Operator {
		case "+", "-", "*", "/":
			return NewNode(KindOperator, v.Operator, l, r), nil
		case "**", "^":
			return NewNode(KindFunction, "pow", l, r), nil
		case "==", "!=", "<", "<=", ">", ">=":
			return NewNode(KindCondition, v.Operator, l, r), nil
		case "and", "&&":
			return NewNode(KindCondition, "and", l, r), nil
		case "or", "||":
			return NewNode(KindCondition, "or", l, r), nil
		}
		return nil, c.unsupported(n)
	case *ast.CallNode:
		id, ok := v.Callee.(*ast.IdentifierNode)
		if !ok {
			return nil, c.unsupported(n)
		}
		args, err := c.convertAll(v.Arguments)
		if err != nil {
			return nil, err
		}
		return c.call(id.Value, args, n)
	case *ast.BuiltinNode:
		args, err := c.convertAll(v.Arguments)
		if err != nil {
			return nil, err
		}
		return c.call(v.Name, args, n)
	}
	return nil, c.unsupported(n)
}

func (c converter) call(name string, args []*Node, n ast.Node) (*Node, error) {
	arity := func(lo, hi int) error {
		if len(args) < lo || len(args) > hi {
			return syntaxError(c.pos, "%s expects %d to %d arguments, got %d in %q", name, lo, hi, len(args), c.src)
		}
		return nil
	}
	switch name {
	case "PAY":
		if err := arity(4, 4); err != nil {
			return nil, err
		}
		return NewNode(KindPay, name, args...), nil
	case "NPV":
		if err := arity(2, 5); err != nil {
			return nil, err
		}
		full := make([]*Node, 5)
		copy(full, args)
		return NewNode(KindNpv, name, full...), nil
	case "DISCOUNT":
		if err := arity(3, 3); err != nil {
			return nil, err
		}
		return NewNode(KindDiscount, name, args...), nil
	case "FIXING":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return NewNode(KindIndexEval, name, args...), nil
	}
	want, ok := functionArity[name]
	if !ok {
		return nil, c.unsupported(n)
	}
	if err := arity(want, want); err != nil {
		return nil, err
	}
	return NewNode(KindFunction, name, args...), nil
}

// Parse 把脚本解析为语法树, 根节点为 Sequence.
func Parse(script string) (*Node, error) {
	toks, err := tokenize(script)
	if err != nil {
		return nil, err
	}
	p := &stmtParser{toks: toks}
	root, err := p.parseSequence()
	if err != nil {
		return nil, err
	}
	if t, ok := p.peek(); ok {
		return nil, syntaxError(t.pos, "unexpected %s", t.text)
	}
	return root, nil
}
