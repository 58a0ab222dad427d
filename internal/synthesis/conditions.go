package synthesis

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateCondition checks that a guard expression is a restricted
// predicate: boolean combinators (&&, ||, !) over comparisons between
// "parameters.<name>" / "wiring.<step>.<field>" references and literals.
// Function calls and any other construct are rejected.
func ValidateCondition(expr string) error {
	p := &conditionParser{tokens: tokenizeCondition(expr)}

	if err := p.parseOr(); err != nil {
		return fmt.Errorf("%w: condition %q: %w", ErrSchemaInvalid, expr, err)
	}

	if !p.done() {
		return fmt.Errorf("%w: condition %q: unexpected trailing input %q",
			ErrSchemaInvalid, expr, p.peek())
	}

	return nil
}

type conditionParser struct {
	tokens []string
	pos    int
}

func (p *conditionParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}

	return p.tokens[p.pos]
}

func (p *conditionParser) next() string {
	token := p.peek()
	p.pos++

	return token
}

func (p *conditionParser) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *conditionParser) parseOr() error {
	if err := p.parseAnd(); err != nil {
		return err
	}

	for p.peek() == "||" {
		p.next()

		if err := p.parseAnd(); err != nil {
			return err
		}
	}

	return nil
}

func (p *conditionParser) parseAnd() error {
	if err := p.parseUnary(); err != nil {
		return err
	}

	for p.peek() == "&&" {
		p.next()

		if err := p.parseUnary(); err != nil {
			return err
		}
	}

	return nil
}

func (p *conditionParser) parseUnary() error {
	switch p.peek() {
	case "!":
		p.next()

		return p.parseUnary()
	case "(":
		p.next()

		if err := p.parseOr(); err != nil {
			return err
		}

		if p.next() != ")" {
			return fmt.Errorf("missing closing parenthesis")
		}

		return nil
	default:
		return p.parseComparison()
	}
}

func (p *conditionParser) parseComparison() error {
	if err := p.parseOperand(); err != nil {
		return err
	}

	switch p.peek() {
	case "==", "!=", "<", "<=", ">", ">=":
		p.next()
	default:
		return fmt.Errorf("expected comparison operator, got %q", p.peek())
	}

	return p.parseOperand()
}

func (p *conditionParser) parseOperand() error {
	token := p.next()
	if token == "" {
		return fmt.Errorf("unexpected end of expression")
	}

	if p.peek() == "(" {
		return fmt.Errorf("function calls are not allowed: %q", token)
	}

	if isConditionLiteral(token) || isConditionRef(token) {
		return nil
	}

	return fmt.Errorf("operand %q is neither a literal nor a parameters/wiring reference", token)
}

// isConditionRef accepts parameters.<name>[.<path>] and
// wiring.<step>.<field>[.<path>] references.
func isConditionRef(token string) bool {
	if name, ok := IsParameterRef(token); ok {
		return isDottedIdent(name)
	}

	if _, field, ok := IsWiringRef(token); ok {
		return isDottedIdent(field)
	}

	return false
}

func isConditionLiteral(token string) bool {
	switch token {
	case "true", "false", "null":
		return true
	}

	if len(token) >= 2 && (token[0] == '\'' || token[0] == '"') && token[len(token)-1] == token[0] {
		return true
	}

	for i, r := range token {
		if unicode.IsDigit(r) || r == '.' || (i == 0 && r == '-') {
			continue
		}

		return false
	}

	return token != "" && token != "-"
}

func isDottedIdent(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}

		for i, r := range part {
			if unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r)) {
				continue
			}

			return false
		}
	}

	return true
}

// tokenizeCondition splits an expression into operators, references,
// literals, and parentheses.
func tokenizeCondition(expr string) []string {
	var (
		tokens []string
		buf    strings.Builder
	)

	flush := func() {
		if buf.Len() > 0 {
			tokens = append(tokens, buf.String())
			buf.Reset()
		}
	}

	runes := []rune(expr)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '(' || r == ')':
			flush()

			tokens = append(tokens, string(r))
		case r == '\'' || r == '"':
			flush()

			quote := r
			buf.WriteRune(r)
			i++

			for i < len(runes) && runes[i] != quote {
				buf.WriteRune(runes[i])
				i++
			}

			if i < len(runes) {
				buf.WriteRune(runes[i])
			}

			flush()
		case strings.ContainsRune("=!<>&|", r):
			if buf.Len() > 0 && !strings.ContainsRune("=!<>&|", rune(buf.String()[len(buf.String())-1])) {
				flush()
			}

			buf.WriteRune(r)
		default:
			if buf.Len() > 0 && strings.ContainsRune("=!<>&|", rune(buf.String()[len(buf.String())-1])) {
				flush()
			}

			buf.WriteRune(r)
		}
	}

	flush()

	return tokens
}
