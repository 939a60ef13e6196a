package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kneutral-org/lockguard/internal/keyexpr"
)

// ExpressionPrefix marks a key template as a CEL expression.
const ExpressionPrefix = "cel:"

const (
	tenantSegment = ":t:"
	userSegment   = ":u:"
)

// componentEscaper quotes the separator in values taken from the caller so
// that a value can never forge a scope segment or another key's layout.
var componentEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

func escapeComponent(s string) string {
	return componentEscaper.Replace(s)
}

// KeyResolver derives lock keys from a LockSpec and a CallContext.
// Resolve has no side effects; the expression cache only memoizes
// compiled programs.
type KeyResolver struct {
	prefix    string
	evaluator *keyexpr.Evaluator
}

// ResolverOption configures a KeyResolver.
type ResolverOption func(*KeyResolver)

// WithKeyPrefix prepends prefix to every resolved key.
func WithKeyPrefix(prefix string) ResolverOption {
	return func(r *KeyResolver) {
		r.prefix = prefix
	}
}

// WithEvaluator sets the CEL evaluator used for expression templates.
func WithEvaluator(e *keyexpr.Evaluator) ResolverOption {
	return func(r *KeyResolver) {
		r.evaluator = e
	}
}

// NewKeyResolver creates a KeyResolver.
func NewKeyResolver(opts ...ResolverOption) (*KeyResolver, error) {
	r := &KeyResolver{}
	for _, opt := range opts {
		opt(r)
	}
	if r.evaluator == nil {
		e, err := keyexpr.NewEvaluator()
		if err != nil {
			return nil, err
		}
		r.evaluator = e
	}
	return r, nil
}

// Resolve expands the spec's key template against cc and applies the
// tenant and user scopes.
func (r *KeyResolver) Resolve(spec LockSpec, cc CallContext) (string, error) {
	fail := func(err error) (string, error) {
		return "", &KeyResolutionError{Template: spec.KeyTemplate, Err: err}
	}

	var (
		key string
		err error
	)
	if expr, ok := strings.CutPrefix(spec.KeyTemplate, ExpressionPrefix); ok {
		key, err = r.evaluate(strings.TrimSpace(expr), cc)
	} else {
		key, err = expandTemplate(spec.KeyTemplate, cc.Args)
	}
	if err != nil {
		return fail(err)
	}
	if key == "" {
		return fail(fmt.Errorf("%w: template expands to an empty key", ErrMalformedTemplate))
	}

	var b strings.Builder
	b.WriteString(r.prefix)
	b.WriteString(key)
	if spec.ScopedByTenant {
		if cc.Tenant == "" {
			return fail(ErrMissingTenant)
		}
		b.WriteString(tenantSegment)
		b.WriteString(escapeComponent(cc.Tenant))
	}
	if spec.ScopedByUser {
		if cc.User == "" {
			return fail(ErrMissingUser)
		}
		b.WriteString(userSegment)
		b.WriteString(escapeComponent(cc.User))
	}
	return b.String(), nil
}

// Validate checks that a template parses without resolving it.
func (r *KeyResolver) Validate(template string) error {
	if expr, ok := strings.CutPrefix(template, ExpressionPrefix); ok {
		if err := r.evaluator.Validate(strings.TrimSpace(expr)); err != nil {
			return &KeyResolutionError{Template: template, Err: fmt.Errorf("%w: %v", ErrMalformedTemplate, err)}
		}
		return nil
	}
	if _, err := parseTemplate(template); err != nil {
		return &KeyResolutionError{Template: template, Err: err}
	}
	return nil
}

func (r *KeyResolver) evaluate(expr string, cc CallContext) (string, error) {
	key, err := r.evaluator.Evaluate(expr, keyexpr.Vars{
		Args:   escapeArgs(cc.Args),
		Tenant: escapeComponent(cc.Tenant),
		User:   escapeComponent(cc.User),
		Method: escapeComponent(cc.Method),
	})
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, keyexpr.ErrEvaluationFailed):
		// Runtime failures come from absent map keys in args.
		return "", fmt.Errorf("%w: %v", ErrMissingArgument, err)
	default:
		return "", fmt.Errorf("%w: %v", ErrMalformedTemplate, err)
	}
}

// segment is either literal text or a placeholder path.
type segment struct {
	text        string
	placeholder bool
}

// parseTemplate splits a placeholder template such as "order:{id}".
// "{{" and "}}" are literal braces.
func parseTemplate(tmpl string) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '{' at offset %d", ErrMalformedTemplate, i)
			}
			name := strings.TrimSpace(tmpl[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{") {
				return nil, fmt.Errorf("%w: invalid placeholder at offset %d", ErrMalformedTemplate, i)
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{text: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{text: name, placeholder: true})
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("%w: unmatched '}' at offset %d", ErrMalformedTemplate, i)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{text: lit.String()})
	}
	return segs, nil
}

func expandTemplate(tmpl string, args map[string]any) (string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, s := range segs {
		if !s.placeholder {
			b.WriteString(s.text)
			continue
		}
		v, ok := lookup(args, s.text)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrMissingArgument, s.text)
		}
		b.WriteString(escapeComponent(fmt.Sprint(v)))
	}
	return b.String(), nil
}

// escapeArgs copies args with every string leaf escaped, for expressions
// that concatenate argument values.
func escapeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = escapeValue(v)
	}
	return out
}

func escapeValue(v any) any {
	switch t := v.(type) {
	case string:
		return escapeComponent(t)
	case map[string]any:
		return escapeArgs(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = escapeComponent(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = escapeValue(e)
		}
		return out
	default:
		return v
	}
}

// lookup walks a dotted path through nested maps.
func lookup(args map[string]any, path string) (any, bool) {
	var cur any = args
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
