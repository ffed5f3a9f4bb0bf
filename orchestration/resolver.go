package orchestration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowplane/flowplane/core"
)

// resultLookup maps a step reference (step name or ordinal alias such as
// "step1") to that step's completed result.
type resultLookup map[string]map[string]interface{}

// resolveParameters substitutes {{stepRef.path.to.field}} placeholders in
// a parameter tree using completed step results. Called only after the
// step's dependencies completed; an unresolvable reference at this point
// is a template bug and fails Validation.
func resolveParameters(raw map[string]interface{}, results resultLookup) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		resolved, err := resolveValue(v, results)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, results resultLookup) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, results)
	case map[string]interface{}:
		return resolveParameters(t, results)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			resolved, err := resolveValue(e, results)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, results resultLookup) (interface{}, error) {
	// Whole-string reference keeps the referenced JSON type.
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return lookupPath(m[1], results)
	}

	var resolveErr error
	replaced := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := placeholderPattern.FindStringSubmatch(match)[1]
		val, err := lookupPath(ref, results)
		if err != nil {
			resolveErr = err
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return replaced, nil
}

// lookupPath walks a dotted reference: first segment names a completed
// step, remaining segments index into its result with map keys and
// numeric array indices.
func lookupPath(ref string, results resultLookup) (interface{}, error) {
	segments := strings.Split(ref, ".")
	result, ok := results[segments[0]]
	if !ok {
		return nil, &core.OpError{Op: "resolver.lookup", Kind: "validation", ID: ref,
			Message: fmt.Sprintf("reference %q names no completed step", ref),
			Err:     core.ErrValidation}
	}

	var current interface{} = result
	for _, seg := range segments[1:] {
		switch node := current.(type) {
		case map[string]interface{}:
			v, found := node[seg]
			if !found {
				return nil, &core.OpError{Op: "resolver.lookup", Kind: "validation", ID: ref,
					Message: fmt.Sprintf("reference %q: field %q not present", ref, seg),
					Err:     core.ErrValidation}
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, &core.OpError{Op: "resolver.lookup", Kind: "validation", ID: ref,
					Message: fmt.Sprintf("reference %q: index %q out of range", ref, seg),
					Err:     core.ErrValidation}
			}
			current = node[idx]
		default:
			return nil, &core.OpError{Op: "resolver.lookup", Kind: "validation", ID: ref,
				Message: fmt.Sprintf("reference %q: cannot descend into %T at %q", ref, current, seg),
				Err:     core.ErrValidation}
		}
	}
	return current, nil
}
