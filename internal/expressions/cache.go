package expressions

import (
	"sync"

	"github.com/rendis/procflow/pkg/schema"
)

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a compile failure is not cached.
type programCache[P any] struct {
	lang    string
	compile func(expression string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](lang string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{lang: lang, compile: compile, programs: make(map[string]P)}
}

// get returns the compiled program for expression, compiling it once.
func (c *programCache[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}

	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}
	prg, err := c.compile(expression)
	if err != nil {
		return zero, err
	}
	c.programs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) cached(expression string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.programs[expression]
	return ok
}

// compileError reports a program that does not compile; stage is "parse",
// "compile" or "program".
func compileError(lang, stage, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s error in %q: %s", lang, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}
