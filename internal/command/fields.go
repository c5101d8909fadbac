package command

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic/ast"
)

// path addresses a node inside a command payload; elements are object keys
// (string) or array indexes (int).
type path []any

func (p path) String() string {
	parts := make([]string, len(p))
	for i, el := range p {
		parts[i] = fmt.Sprint(el)
	}
	return strings.Join(parts, ".")
}

// fields reads loosely typed values out of a payload. Lookups never fail:
// missing or mistyped values yield zero values and are recorded as issues.
type fields struct {
	root   *ast.Node
	issues []string
}

func present(n *ast.Node) bool {
	return n != nil && n.Valid() && n.Exists() && n.TypeSafe() != ast.V_NULL
}

func (f *fields) node(p path) *ast.Node {
	n := f.root.GetByPath(p...)
	if !present(n) {
		return nil
	}
	return n
}

// first returns the first candidate path that resolves to a non-empty node.
func (f *fields) first(candidates []path) (*ast.Node, path) {
	for _, p := range candidates {
		n := f.node(p)
		if n == nil {
			continue
		}
		if n.TypeSafe() == ast.V_STRING {
			if s, err := n.String(); err == nil && s == "" {
				continue
			}
		}
		return n, p
	}
	return nil, nil
}

func (f *fields) note(candidates []path, err error) {
	name := "<none>"
	if len(candidates) > 0 {
		name = candidates[0].String()
	}
	if err == nil {
		f.issues = append(f.issues, name+": missing")
		return
	}
	f.issues = append(f.issues, name+": "+err.Error())
}

func (f *fields) str(candidates ...path) string {
	n, _ := f.first(candidates)
	if n == nil {
		f.note(candidates, nil)
		return ""
	}
	s, err := n.String()
	if err != nil {
		f.note(candidates, err)
		return ""
	}
	return s
}

func (f *fields) integer(candidates ...path) int64 {
	n, _ := f.first(candidates)
	if n == nil {
		f.note(candidates, nil)
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		fv, ferr := n.Float64()
		if ferr != nil {
			f.note(candidates, err)
			return 0
		}
		return int64(fv)
	}
	return v
}

func (f *fields) number(candidates ...path) float64 {
	n, _ := f.first(candidates)
	if n == nil {
		f.note(candidates, nil)
		return 0
	}
	v, err := n.Float64()
	if err != nil {
		f.note(candidates, err)
		return 0
	}
	return v
}

// flag returns def when no candidate exists.
func (f *fields) flag(def bool, candidates ...path) bool {
	n, _ := f.first(candidates)
	if n == nil {
		return def
	}
	v, err := n.Bool()
	if err != nil {
		if iv, ierr := n.Int64(); ierr == nil {
			return iv != 0
		}
		f.note(candidates, err)
		return def
	}
	return v
}

// optional variants do not record an issue when the value is absent.

func (f *fields) optStr(candidates ...path) string {
	if n, _ := f.first(candidates); n == nil {
		return ""
	}
	return f.str(candidates...)
}

func (f *fields) optInteger(candidates ...path) int64 {
	if n, _ := f.first(candidates); n == nil {
		return 0
	}
	return f.integer(candidates...)
}
