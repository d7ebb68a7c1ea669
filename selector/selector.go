// Package selector compiles message selectors.
//
// A selector is a boolean expr-lang expression evaluated against a message's
// header fields and user properties, for example:
//
//	JMSPriority > 4 && region == "eu"
//
// Identifiers that a message does not carry evaluate to nil, so a selector
// naming a missing property simply does not match.
package selector

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Selector is a compiled message filter. The zero value and a nil
// *Selector match every message.
type Selector struct {
	source  string
	program *vm.Program
}

// Compile parses src. An empty or blank src yields a selector that matches
// everything.
func Compile(src string) (*Selector, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Selector{}, nil
	}

	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", src, err)
	}
	return &Selector{source: src, program: program}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Selector {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches evaluates the selector against env. Evaluation errors count as
// no match.
func (s *Selector) Matches(env map[string]any) bool {
	if s == nil || s.program == nil {
		return true
	}

	out, err := expr.Run(s.program, env)
	if err != nil {
		return false
	}
	matched, ok := out.(bool)
	return ok && matched
}

// String returns the selector source.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Empty reports whether the selector matches everything.
func (s *Selector) Empty() bool {
	return s == nil || s.program == nil
}
