package extract

import (
	"strings"

	"github.com/ohler55/ojg/jp"
)

// fieldPath compiles a field selector. A leading "$" means a JSONPath
// expression, anything else names a top-level key verbatim (dots and
// brackets included).
func fieldPath(field string) (jp.Expr, error) {
	if strings.HasPrefix(field, "$") {
		return jp.ParseString(field)
	}
	return jp.C(field), nil
}

// lookupValue returns the first value selected by x and whether one was
// found. A JSON null counts as present.
func lookupValue(rec map[string]any, x jp.Expr) (any, bool) {
	if len(x) == 1 {
		if c, ok := x[0].(jp.Child); ok {
			v, ok := rec[string(c)]
			return v, ok
		}
	}

	found := x.Get(rec)
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

// lookupString returns the value selected by x if it is a JSON string.
// Any other type reports absent.
func lookupString(rec map[string]any, x jp.Expr) (string, bool) {
	v, ok := lookupValue(rec, x)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
