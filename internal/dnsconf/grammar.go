package dnsconf

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
)

// argMode says whether a directive takes a value.
type argMode int

const (
	argFlag     argMode = iota // name only
	argRequired                // name=value
	argOptional                // either form
)

type directive struct {
	mode  argMode
	check func(value string) error // nil accepts any non-empty value
}

// Line is one parsed directive.
type Line struct {
	Number int
	Name   string
	Value  string
	HasVal bool
}

// GrammarValidator checks content against the dnsmasq option grammar:
// one directive per line, "name" or "name=value", "#" comments.
type GrammarValidator struct {
	directives map[string]directive
}

// NewGrammarValidator returns a validator with the built-in directive table.
func NewGrammarValidator() *GrammarValidator {
	return &GrammarValidator{directives: knownDirectives}
}

// Known reports whether name is a recognised directive.
func (g *GrammarValidator) Known(name string) bool {
	_, ok := g.directives[name]
	return ok
}

// Validate implements Validator.
func (g *GrammarValidator) Validate(ctx context.Context, content []byte) error {
	lines, err := Parse(content)
	if err != nil {
		return err
	}

	minPort, maxPort := -1, -1
	minLine := 0
	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok := g.directives[l.Name]
		if !ok {
			return &ValidationError{
				Kind:      KindUnsupported,
				Line:      l.Number,
				Directive: l.Name,
				Msg:       "unsupported directive " + strconv.Quote(l.Name),
			}
		}
		switch {
		case d.mode == argFlag && l.HasVal:
			return syntaxErr(l.Number, l.Name, "%s does not take a value", l.Name)
		case d.mode == argRequired && (!l.HasVal || l.Value == ""):
			return syntaxErr(l.Number, l.Name, "%s requires a value", l.Name)
		}
		if l.HasVal && d.check != nil {
			if err := d.check(l.Value); err != nil {
				return syntaxErr(l.Number, l.Name, "bad %s: %v", l.Name, err)
			}
		}
		switch l.Name {
		case "min-port":
			minPort, _ = strconv.Atoi(l.Value)
			minLine = l.Number
		case "max-port":
			maxPort, _ = strconv.Atoi(l.Value)
		}
	}

	if minPort >= 0 && maxPort >= 0 && minPort > maxPort {
		return syntaxErr(minLine, "min-port", "min-port %d is greater than max-port %d", minPort, maxPort)
	}
	return nil
}

// Parse splits content into directive lines, dropping blanks and comments.
// It only fails on lines that cannot be a directive at all.
func Parse(content []byte) ([]Line, error) {
	var out []Line
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(stripComment(sc.Text()))
		if text == "" {
			continue
		}
		name, value, hasVal := strings.Cut(text, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			return nil, syntaxErr(n, "", "missing directive name")
		}
		if strings.ContainsAny(name, " \t\"") {
			return nil, syntaxErr(n, name, "malformed directive %q", name)
		}
		out = append(out, Line{Number: n, Name: name, Value: unquote(value), HasVal: hasVal})
	}
	if err := sc.Err(); err != nil {
		return nil, syntaxErr(n+1, "", "%v", err)
	}
	return out, nil
}

// stripComment removes a "#" comment that starts the line or follows
// whitespace, outside double quotes.
func stripComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote && (i == 0 || s[i-1] == ' ' || s[i-1] == '\t') {
				return s[:i]
			}
		}
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
