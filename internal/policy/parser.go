package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// maxParseDepth bounds expression nesting accepted by the parser.
const maxParseDepth = 100

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokColon
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// pathRoots are the four addressable namespaces of the evaluation input.
var pathRoots = map[string]bool{
	"context":     true,
	"resource":    true,
	"action":      true,
	"environment": true,
}

// Parse turns DSL source into an ordered rule list. Comments run from '#'
// to end of line; blank lines are skipped. Errors carry the 1-based source
// line.
func Parse(source string) ([]Rule, error) {
	var rules []Rule

	for i, raw := range strings.Split(source, "\n") {
		lineNo := i + 1
		line := raw
		if hash := strings.IndexByte(line, '#'); hash >= 0 {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		rule, err := parseRule(line, lineNo)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: policy has no rules", ErrValidation)
	}
	return rules, nil
}

func parseRule(line string, lineNo int) (Rule, error) {
	toks, err := lexLine(line, lineNo)
	if err != nil {
		return Rule{}, err
	}

	p := &parser{toks: toks, line: lineNo}

	verbTok := p.next()
	if verbTok.kind != tokIdent {
		return Rule{}, p.errorf("expected verb, got %q", verbTok.text)
	}

	var verb Verb
	switch verbTok.text {
	case "require":
		verb = VerbRequire
	case "allow":
		verb = VerbAllow
	case "deny":
		verb = VerbDeny
	default:
		return Rule{}, p.errorf("unknown verb %q", verbTok.text)
	}

	if p.peek().kind == tokEOF {
		return Rule{Verb: verb, Line: lineNo}, nil
	}

	cond, err := p.parseOr(1)
	if err != nil {
		return Rule{}, err
	}
	if tok := p.next(); tok.kind != tokEOF {
		return Rule{}, p.errorf("unexpected trailing %q", tok.text)
	}
	return Rule{Verb: verb, Cond: cond, Line: lineNo}, nil
}

// lexLine scans one logical line into tokens.
func lexLine(line string, lineNo int) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++

		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == ':':
			toks = append(toks, token{tokColon, ":", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++

		case c == '=' || c == '!':
			if i+1 >= len(line) || line[i+1] != '=' {
				return nil, fmt.Errorf("%w: line %d: stray %q at column %d", ErrParse, lineNo, string(c), i+1)
			}
			toks = append(toks, token{tokOp, line[i : i+2], i})
			i += 2
		case c == '>' || c == '<':
			if i+1 < len(line) && line[i+1] == '=' {
				toks = append(toks, token{tokOp, line[i : i+2], i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c), i})
				i++
			}

		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(line) && line[j] != quote {
				if line[j] == '\\' && j+1 < len(line) {
					j++
				}
				sb.WriteByte(line[j])
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("%w: line %d: unterminated string at column %d", ErrParse, lineNo, i+1)
			}
			toks = append(toks, token{tokString, sb.String(), i})
			i = j + 1

		case c >= '0' && c <= '9' || c == '-':
			j := i
			if c == '-' {
				j++
			}
			for j < len(line) && (line[j] >= '0' && line[j] <= '9' || line[j] == '.') {
				j++
			}
			text := line[i:j]
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("%w: line %d: bad number %q", ErrParse, lineNo, text)
			}
			toks = append(toks, token{tokNumber, text, i})
			i = j

		case isIdentStart(c):
			j := i
			for j < len(line) && isIdentPart(line[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, line[i:j], i})
			i = j

		default:
			return nil, fmt.Errorf("%w: line %d: unexpected %q at column %d", ErrParse, lineNo, string(c), i+1)
		}
	}
	toks = append(toks, token{tokEOF, "", len(line)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	toks []token
	pos  int
	line int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return token{}, p.errorf("expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrParse, p.line, fmt.Sprintf(format, args...))
}

func (p *parser) parseOr(depth int) (Expr, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("%w: line %d: expression nested deeper than %d", ErrRecursionLimit, p.line, maxParseDepth)
	}

	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd(depth int) (Expr, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("%w: line %d: expression nested deeper than %d", ErrRecursionLimit, p.line, maxParseDepth)
	}

	left, err := p.parseUnary(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary(depth int) (Expr, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("%w: line %d: expression nested deeper than %d", ErrRecursionLimit, p.line, maxParseDepth)
	}

	if p.peek().kind == tokIdent && p.peek().text == "not" {
		p.next()
		x, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return &NotExpr{X: x}, nil
	}
	return p.parsePrimary(depth + 1)
}

func (p *parser) parsePrimary(depth int) (Expr, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("%w: line %d: expression nested deeper than %d", ErrRecursionLimit, p.line, maxParseDepth)
	}

	switch tok := p.next(); tok.kind {
	case tokLParen:
		inner, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "closing parenthesis"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokColon:
		name, err := p.expect(tokIdent, "flag name")
		if err != nil {
			return nil, err
		}
		return &FlagExpr{Name: name.text}, nil

	case tokIdent:
		switch tok.text {
		case "role":
			if _, err := p.expect(tokColon, "colon after role"); err != nil {
				return nil, err
			}
			name, err := p.expect(tokIdent, "role name")
			if err != nil {
				return nil, err
			}
			return &RoleExpr{Name: name.text}, nil

		case "present", "blank":
			fn := CheckPresent
			if tok.text == "blank" {
				fn = CheckBlank
			}
			if _, err := p.expect(tokLParen, "opening parenthesis"); err != nil {
				return nil, err
			}
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, "closing parenthesis"); err != nil {
				return nil, err
			}
			return &CheckExpr{Fn: fn, Path: path}, nil

		default:
			if !pathRoots[tok.text] {
				return nil, p.errorf("unexpected %q", tok.text)
			}
			path, err := p.parsePathFrom(tok.text)
			if err != nil {
				return nil, err
			}
			return p.parseComparison(path)
		}

	default:
		return nil, p.errorf("unexpected %q", tok.text)
	}
}

// parseComparison finishes "path OP literal" or "path in [...]" after the
// path has been consumed.
func (p *parser) parseComparison(path Path) (Expr, error) {
	switch tok := p.next(); {
	case tok.kind == tokOp:
		var op CompareOp
		switch tok.text {
		case "==":
			op = CmpEq
		case "!=":
			op = CmpNeq
		case ">":
			op = CmpGt
		case ">=":
			op = CmpGte
		case "<":
			op = CmpLt
		case "<=":
			op = CmpLte
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &CompareExpr{Path: path, Op: op, Right: lit}, nil

	case tok.kind == tokIdent && tok.text == "in":
		if _, err := p.expect(tokLBracket, "opening bracket"); err != nil {
			return nil, err
		}
		var list []Literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			list = append(list, lit)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
		if _, err := p.expect(tokRBracket, "closing bracket"); err != nil {
			return nil, err
		}
		return &InExpr{Path: path, List: list}, nil

	default:
		return nil, p.errorf("expected operator after %s, got %q", path, tok.text)
	}
}

func (p *parser) parsePath() (Path, error) {
	root, err := p.expect(tokIdent, "path root")
	if err != nil {
		return Path{}, err
	}
	if !pathRoots[root.text] {
		return Path{}, p.errorf("path must start with context, resource, action or environment, got %q", root.text)
	}
	return p.parsePathFrom(root.text)
}

func (p *parser) parsePathFrom(root string) (Path, error) {
	path := Path{Root: root}
	for p.peek().kind == tokDot {
		p.next()
		seg, err := p.expect(tokIdent, "path segment")
		if err != nil {
			return Path{}, err
		}
		path.Segs = append(path.Segs, seg.text)
	}
	return path, nil
}

func (p *parser) parseLiteral() (Literal, error) {
	switch tok := p.next(); tok.kind {
	case tokString:
		return Literal{Kind: LitString, Str: tok.text}, nil

	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return Literal{}, p.errorf("bad number %q", tok.text)
		}
		return Literal{Kind: LitNumber, Num: n}, nil

	case tokIdent:
		switch {
		case tok.text == "true":
			return Literal{Kind: LitBool, Bool: true}, nil
		case tok.text == "false":
			return Literal{Kind: LitBool, Bool: false}, nil
		case pathRoots[tok.text]:
			path, err := p.parsePathFrom(tok.text)
			if err != nil {
				return Literal{}, err
			}
			return Literal{Kind: LitPath, Path: path}, nil
		default:
			return Literal{}, p.errorf("unexpected literal %q", tok.text)
		}

	default:
		return Literal{}, p.errorf("expected literal, got %q", tok.text)
	}
}
