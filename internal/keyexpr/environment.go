// Package keyexpr evaluates CEL expressions that derive lock keys from a
// call's arguments and identity.
package keyexpr

import (
	"github.com/google/cel-go/cel"
)

// Vars are the values exposed to key expressions.
type Vars struct {
	Args   map[string]any
	Tenant string
	User   string
	Method string
}

// NewEnvironment creates the CEL environment for key expressions.
//
// Declared variables:
//
//	args   map(string, dyn)
//	tenant string
//	user   string
//	method string
func NewEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("method", cel.StringType),
	)
}

// activation builds the CEL activation for vars.
func (v Vars) activation() map[string]any {
	args := v.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"args":   args,
		"tenant": v.Tenant,
		"user":   v.User,
		"method": v.Method,
	}
}
