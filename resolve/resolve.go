// Package resolve implements reference extraction, validation and
// substitution for {{parameter}} tokens embedded in JSON-compatible
// widget configurations.
//
// A configuration tree is any combination of map[string]interface{},
// []interface{} and JSON primitives, as produced by yaml.v3 or a JSON
// decoder. Trees passed into this package are never mutated; Substitute
// always rebuilds containers.
package resolve

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// referencePattern matches a single {{name}} token. Nested braces are not
// supported; an unbalanced or empty token simply does not match.
var referencePattern = regexp.MustCompile(`\{\{([^{}]+?)\}\}`)

// Validation reports the outcome of checking a configuration tree against
// the set of known parameter names.
type Validation struct {
	Valid   bool
	Missing []string
}

// ExtractReferences walks the tree and collects every distinct parameter
// name referenced by a {{...}} token. Map keys are not scanned. The result
// is sorted so repeated calls on the same tree compare equal.
func ExtractReferences(value interface{}) []string {
	seen := make(map[string]struct{})
	collectReferences(value, seen)
	if len(seen) == 0 {
		return nil
	}
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

func collectReferences(value interface{}, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, match := range referencePattern.FindAllStringSubmatch(v, -1) {
			name := strings.TrimSpace(match[1])
			if name == "" {
				continue
			}
			seen[name] = struct{}{}
		}
	case []interface{}:
		for _, item := range v {
			collectReferences(item, seen)
		}
	case map[string]interface{}:
		for _, item := range v {
			collectReferences(item, seen)
		}
	}
}

// ValidateReferences checks every reference in the tree against the
// provided parameter names. Missing lists each unknown reference once.
func ValidateReferences(value interface{}, names []string) Validation {
	known := make(map[string]struct{}, len(names))
	for _, name := range names {
		known[name] = struct{}{}
	}
	var missing []string
	for _, ref := range ExtractReferences(value) {
		if _, ok := known[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	return Validation{Valid: len(missing) == 0, Missing: missing}
}

// Substitute rebuilds the tree with every resolvable reference replaced by
// its parameter value. A string that consists of exactly one token yields
// the looked-up value with its native type preserved; a token embedded in
// surrounding text is replaced by the string form of the value. References
// the parameter map cannot resolve are left verbatim, including braces.
//
// Substitution is pure: running it again on a tree without resolvable
// references returns a structurally identical tree.
func Substitute(value interface{}, parameters map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return substituteString(v, parameters)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Substitute(item, parameters)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = Substitute(item, parameters)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, parameters map[string]interface{}) interface{} {
	if name, ok := wholeReference(s); ok {
		if resolved, found := Lookup(parameters, name); found {
			return resolved
		}
		return s
	}
	return referencePattern.ReplaceAllStringFunc(s, func(token string) string {
		name := strings.TrimSpace(token[2 : len(token)-2])
		if name == "" {
			return token
		}
		resolved, found := Lookup(parameters, name)
		if !found {
			return token
		}
		return coerceString(resolved)
	})
}

// wholeReference reports whether the trimmed string is exactly one token
// and returns the enclosed parameter name.
func wholeReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	match := referencePattern.FindStringIndex(trimmed)
	if match == nil || match[0] != 0 || match[1] != len(trimmed) {
		return "", false
	}
	name := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	if name == "" {
		return "", false
	}
	return name, true
}

// Lookup resolves a possibly dotted reference against the parameter map.
// Each path segment must index into a map[string]interface{}; a missing
// key or a non-map intermediate makes the whole lookup fail.
func Lookup(parameters map[string]interface{}, name string) (interface{}, bool) {
	if parameters == nil {
		return nil, false
	}
	segments := strings.Split(name, ".")
	var current interface{} = parameters
	for _, segment := range segments {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// coerceString renders a parameter value for interpolation into
// surrounding text.
func coerceString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case decimal.Decimal:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
