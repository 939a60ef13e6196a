package keyexpr

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

var (
	// ErrEmptyExpression is returned when an empty expression is provided.
	ErrEmptyExpression = errors.New("empty key expression")

	// ErrCompilationFailed is returned when expression compilation fails.
	ErrCompilationFailed = errors.New("key expression compilation failed")

	// ErrEvaluationFailed is returned when expression evaluation fails.
	ErrEvaluationFailed = errors.New("key expression evaluation failed")

	// ErrNotString is returned when an expression does not yield a string.
	ErrNotString = errors.New("key expression must return a string")
)

// Evaluator compiles and evaluates key expressions with a program cache.
type Evaluator struct {
	env   *cel.Env
	cache *Cache
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCache sets the program cache.
func WithCache(cache *Cache) EvaluatorOption {
	return func(e *Evaluator) {
		e.cache = cache
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{env: env}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewCache(DefaultCacheCapacity)
	}
	return e, nil
}

// Compile compiles expression, or returns the cached program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, ErrEmptyExpression
	}
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilationFailed, issues.Err())
	}

	// dyn is allowed through and checked at evaluation time.
	out := ast.OutputType()
	if !out.IsExactType(cel.StringType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w, got %s", ErrNotString, out)
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilationFailed, err)
	}

	e.cache.Put(expression, prg)
	return prg, nil
}

// Evaluate evaluates expression against vars and returns the key.
func (e *Evaluator) Evaluate(expression string, vars Vars) (string, error) {
	prg, err := e.Compile(expression)
	if err != nil {
		return "", err
	}

	out, _, err := prg.Eval(vars.activation())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}

	key, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("%w, got %s", ErrNotString, out.Type().TypeName())
	}
	return key, nil
}

// Validate checks that expression compiles to a string-valued program.
func (e *Evaluator) Validate(expression string) error {
	_, err := e.Compile(expression)
	return err
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	return e.cache.Size()
}
