// Package template renders prompt templates written in Jinja syntax.
//
// Rendering uses gonja with strict undefined handling: referencing a variable,
// attribute or index that was not supplied fails with
// *apperrors.TemplateRenderError instead of rendering an empty string.
package template

import (
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
)

func init() {
	gonja.DefaultConfig.StrictUndefined = true
}

// Render parses source and evaluates it against vars.
func Render(source string, vars map[string]interface{}) (string, error) {
	tpl, err := Parse(source)
	if err != nil {
		return "", err
	}
	return tpl.Execute(vars)
}

// Template is a parsed template that can be executed many times.
type Template struct {
	source string
	tpl    *exec.Template
}

// Parse compiles source without evaluating it.
func Parse(source string) (*Template, error) {
	tpl, err := gonja.FromString(source)
	if err != nil {
		return nil, &apperrors.TemplateRenderError{Reason: "invalid template: " + err.Error()}
	}
	return &Template{source: source, tpl: tpl}, nil
}

// Execute renders the template against vars.
func (t *Template) Execute(vars map[string]interface{}) (string, error) {
	ctxVars := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		ctxVars[k] = normalize(v)
	}
	var b strings.Builder
	if err := t.tpl.Execute(&b, exec.NewContext(ctxVars)); err != nil {
		if expr := firstUnresolved(t.source, ctxVars); expr != "" {
			return "", &apperrors.TemplateRenderError{Expr: expr}
		}
		return "", &apperrors.TemplateRenderError{Reason: err.Error()}
	}
	return b.String(), nil
}

// normalize turns whole JSON numbers back into integers so {{ n }} prints 3, not 3.0.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

const pathExpr = `[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\]|\[(?:"[^"]*"|'[^']*')\])*`

var (
	outputRef = regexp.MustCompile(`\{\{-?\s*(` + pathExpr + `)`)
	ifRef     = regexp.MustCompile(`\{%-?\s*(?:el)?if\s+(?:not\s+)?(` + pathExpr + `)`)
	forRef    = regexp.MustCompile(`\{%-?\s*for\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s*,\s*([A-Za-z_][A-Za-z0-9_]*))?\s+in\s+(` + pathExpr + `)`)
	setRef    = regexp.MustCompile(`\{%-?\s*set\s+([A-Za-z_][A-Za-z0-9_]*)`)
	segment   = regexp.MustCompile(`\.([A-Za-z_][A-Za-z0-9_]*)|\[(\d+)\]|\["([^"]*)"\]|\['([^']*)'\]`)
	keywords  = map[string]bool{"true": true, "false": true, "none": true, "True": true, "False": true, "None": true, "loop": true, "not": true}
)

type reference struct {
	pos  int
	path string
}

// firstUnresolved names the first variable path in source, in document order,
// that cannot be resolved against vars. Names bound by for and set are skipped.
func firstUnresolved(source string, vars map[string]interface{}) string {
	bound := map[string]bool{}
	var refs []reference
	for _, m := range forRef.FindAllStringSubmatchIndex(source, -1) {
		bound[source[m[2]:m[3]]] = true
		if m[4] >= 0 {
			bound[source[m[4]:m[5]]] = true
		}
		refs = append(refs, reference{pos: m[6], path: source[m[6]:m[7]]})
	}
	for _, m := range setRef.FindAllStringSubmatch(source, -1) {
		bound[m[1]] = true
	}
	for _, re := range []*regexp.Regexp{outputRef, ifRef} {
		for _, m := range re.FindAllStringSubmatchIndex(source, -1) {
			refs = append(refs, reference{pos: m[2], path: source[m[2]:m[3]]})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].pos < refs[j].pos })

	for _, ref := range refs {
		root := ref.path
		if i := strings.IndexAny(root, ".["); i >= 0 {
			root = root[:i]
		}
		if bound[root] || keywords[root] {
			continue
		}
		if !resolves(ref.path[len(root):], vars[root], hasKey(vars, root)) {
			return ref.path
		}
	}
	return ""
}

func hasKey(vars map[string]interface{}, key string) bool {
	_, ok := vars[key]
	return ok
}

func resolves(rest string, cur interface{}, ok bool) bool {
	if !ok {
		return false
	}
	for _, m := range segment.FindAllStringSubmatch(rest, -1) {
		key := m[1] + m[3] + m[4]
		if m[2] != "" {
			key = m[2]
		}
		if cur, ok = child(cur, key, m[2] != ""); !ok {
			return false
		}
	}
	return true
}

func child(cur interface{}, key string, numeric bool) (interface{}, bool) {
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		if !numeric {
			return nil, false
		}
		i, err := strconv.Atoi(key)
		if err != nil || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	default:
		return nil, false
	}
}
