package mission

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Error kinds.
const (
	KindSyntax  = "syntax"
	KindRuntime = "runtime"
	KindAPI     = "api"
)

// ScriptError describes a failed mission run.
type ScriptError struct {
	Kind       string
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *ScriptError) Error() string {
	var where []string
	if e.Source != "" {
		where = append(where, "in "+e.Source)
	}
	if e.Line > 0 {
		where = append(where, fmt.Sprintf("line %d", e.Line))
	}
	if len(where) == 0 {
		return fmt.Sprintf("mission %s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("mission %s error (%s): %s", e.Kind, strings.Join(where, ", "), e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Underlying }

// Is matches another *ScriptError of the same kind.
func (e *ScriptError) Is(target error) bool {
	var other *ScriptError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// chunk:line: message, where chunk is [string "..."] for loaded strings
var luaPosition = regexp.MustCompile(`(?s)^(?:\[string ".*?"\]|[^:\s]+):(\d+): (.*)$`)

func newScriptError(kind, source, raw string, underlying error) *ScriptError {
	e := &ScriptError{Kind: kind, Message: strings.TrimSpace(raw), Source: source, Underlying: underlying}
	if m := luaPosition.FindStringSubmatch(e.Message); m != nil {
		e.Line, _ = strconv.Atoi(m[1])
		e.Message = m[2]
		// errors raised from Go functions carry a second position prefix
		if inner := luaPosition.FindStringSubmatch(e.Message); inner != nil {
			e.Message = inner[2]
		}
	}
	return e
}
