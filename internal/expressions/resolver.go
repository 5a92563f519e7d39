package expressions

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
)

var (
	slashPathRe  = regexp.MustCompile(`^/[^\s/]+(/[^\s/]*)*$`)
	dottedPathRe = regexp.MustCompile(`^[A-Za-z_$][\w$-]*(\.[\w$-]+)+$`)
)

// Resolve walks scope along path and returns the value found there.
// Two spellings are accepted: "/a/b/0" (slash separated, "~1" and "~0"
// escape "/" and "~") and "a.b.0". Array elements are addressed by index.
// Any missing segment yields (Null, false); Resolve never fails.
func Resolve(path string, scope schema.Value) (schema.Value, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return schema.Null(), false
	}
	return walk(scope, segs)
}

// IsReference reports whether s should be substituted. Every slash path is
// a reference, so "/id" with no "id" in scope resolves to absent. A dotted
// string only counts when its first segment names an entry of scope, which
// keeps literals such as "example.com" intact.
func IsReference(s string, scope schema.Value) bool {
	if slashPathRe.MatchString(s) {
		return true
	}
	if !dottedPathRe.MatchString(s) {
		return false
	}
	_, ok := scope.Get(s[:strings.IndexByte(s, '.')])
	return ok
}

// PathRoots returns the first segment of every path-shaped string inside v,
// deduplicated, in first-seen order. Object keys are visited sorted. It is a
// static view: a dotted root is listed whether or not it exists at run time.
func PathRoots(v schema.Value) []string {
	var roots []string
	seen := map[string]bool{}
	var visit func(schema.Value)
	visit = func(v schema.Value) {
		switch v.Kind() {
		case schema.KindString:
			s, _ := v.Str()
			if !slashPathRe.MatchString(s) && !dottedPathRe.MatchString(s) {
				return
			}
			if segs := splitPath(s); len(segs) > 0 && !seen[segs[0]] {
				seen[segs[0]] = true
				roots = append(roots, segs[0])
			}
		case schema.KindObject:
			fields := v.Fields()
			for _, k := range sortedKeys(fields) {
				visit(fields[k])
			}
		case schema.KindArray:
			for _, item := range v.Items() {
				visit(item)
			}
		}
	}
	visit(v)
	return roots
}

// ResolveParams deep-walks raw and substitutes every reference string with
// the value it points at. Keys whose resolved value is absent (missing, null
// or "") are omitted; false and 0 are kept. Dotted keys such as
// "params.name" expand into nested objects.
func ResolveParams(raw map[string]schema.Value, scope schema.Value) map[string]schema.Value {
	out := make(map[string]schema.Value, len(raw))
	for _, key := range sortedKeys(raw) {
		v, ok := resolveValue(raw[key], scope)
		if !ok {
			continue
		}
		SetPath(out, key, v)
	}
	return out
}

// ResolveBodyPaths builds an object from output-key → path pairs. Every path
// is treated as a reference; absent values are omitted.
func ResolveBodyPaths(paths map[string]string, scope schema.Value) map[string]schema.Value {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]schema.Value, len(paths))
	for _, key := range keys {
		v, ok := Resolve(paths[key], scope)
		if !ok || v.IsAbsent() {
			continue
		}
		SetPath(out, key, v.Clone())
	}
	return out
}

// SetPath stores v under a dotted key, creating intermediate objects.
// A non-object intermediate is replaced. Existing intermediate objects are
// copied before being written so values shared with the scope stay intact.
func SetPath(obj map[string]schema.Value, key string, v schema.Value) {
	segs := strings.Split(key, ".")
	cur := obj
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next.Kind() != schema.KindObject {
			m := map[string]schema.Value{}
			cur[seg] = schema.Object(m)
			cur = m
			continue
		}
		cp := next.Clone()
		cur[seg] = cp
		cur = cp.Fields()
	}
	cur[segs[len(segs)-1]] = v
}

func resolveValue(v schema.Value, scope schema.Value) (schema.Value, bool) {
	switch v.Kind() {
	case schema.KindString:
		s, _ := v.Str()
		if IsReference(s, scope) {
			found, ok := Resolve(s, scope)
			if !ok || found.IsAbsent() {
				return schema.Null(), false
			}
			return found.Clone(), true
		}
		return v, s != ""
	case schema.KindObject:
		return schema.Object(ResolveParams(v.Fields(), scope)), true
	case schema.KindArray:
		// Elements stay positional: an absent element becomes null.
		items := make([]schema.Value, len(v.Items()))
		for i, item := range v.Items() {
			if r, ok := resolveValue(item, scope); ok {
				items[i] = r
			}
		}
		return schema.Array(items), true
	case schema.KindNull:
		return v, false
	}
	return v, true
}

func walk(cur schema.Value, segs []string) (schema.Value, bool) {
	for _, seg := range segs {
		switch cur.Kind() {
		case schema.KindObject:
			next, ok := cur.Get(seg)
			if !ok {
				return schema.Null(), false
			}
			cur = next
		case schema.KindArray:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return schema.Null(), false
			}
			next, ok := cur.Index(i)
			if !ok {
				return schema.Null(), false
			}
			cur = next
		default:
			return schema.Null(), false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	if strings.HasPrefix(path, "/") {
		raw := strings.Split(path[1:], "/")
		segs := make([]string, 0, len(raw))
		for _, s := range raw {
			if s == "" {
				return nil
			}
			s = strings.ReplaceAll(s, "~1", "/")
			s = strings.ReplaceAll(s, "~0", "~")
			segs = append(segs, s)
		}
		return segs
	}
	if path == "" {
		return nil
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil
		}
	}
	return segs
}

func sortedKeys(m map[string]schema.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
