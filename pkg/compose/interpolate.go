package compose

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Environment is the variable set used for ${VAR} interpolation
type Environment map[string]string

// OSEnvironment returns the process environment
func OSEnvironment() Environment {
	env := make(Environment)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// ParseDotenv reads KEY=VALUE lines. Blank lines and # comments are skipped,
// an `export ` prefix is allowed and matching outer quotes are stripped.
func ParseDotenv(data []byte) (Environment, error) {
	env := make(Environment)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, val, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", line)
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		env[key] = val
	}
	return env, scanner.Err()
}

// Merge returns a new environment where entries of other win
func (e Environment) Merge(other Environment) Environment {
	out := make(Environment, len(e)+len(other))
	for k, v := range e {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Interpolate expands $VAR, ${VAR}, ${VAR:-default}, ${VAR-default} and
// ${VAR:?message}. $$ is a literal dollar sign.
func (e Environment) Interpolate(text string) (string, error) {
	var firstErr error
	out := os.Expand(text, func(name string) string {
		if name == "$" {
			return "$"
		}
		val, err := e.resolve(name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return val
	})
	return out, firstErr
}

func (e Environment) resolve(expr string) (string, error) {
	if i := strings.Index(expr, ":-"); i >= 0 {
		if v := e[expr[:i]]; v != "" {
			return v, nil
		}
		return expr[i+2:], nil
	}
	if i := strings.Index(expr, ":?"); i >= 0 {
		if v := e[expr[:i]]; v != "" {
			return v, nil
		}
		return "", fmt.Errorf("required variable %s is not set: %s", expr[:i], expr[i+2:])
	}
	if i := strings.Index(expr, "-"); i >= 0 {
		if v, ok := e[expr[:i]]; ok {
			return v, nil
		}
		return expr[i+1:], nil
	}
	return e[expr], nil
}
