package mock

import (
	"fmt"
	"reflect"
	"strings"
)

// Match reports whether doc satisfies query. An empty query matches every
// document. Field names may address nested objects with dots ("profile.age").
//
// Every clause is evaluated, so a malformed clause is reported even when doc
// fails an earlier one.
func Match(doc map[string]any, query map[string]any) (bool, error) {
	matched := true
	for key, cond := range query {
		ok, err := matchClause(doc, key, cond)
		if err != nil {
			return false, err
		}
		matched = matched && ok
	}
	return matched, nil
}

// ValidateQuery reports whether query is well formed.
func ValidateQuery(query map[string]any) error {
	_, err := Match(map[string]any{}, query)
	return err
}

func matchClause(doc map[string]any, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or":
		subs, err := subQueries(key, cond)
		if err != nil {
			return false, err
		}
		all, some := true, false
		for _, sub := range subs {
			ok, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			all = all && ok
			some = some || ok
		}
		if key == "$or" {
			return some, nil
		}
		return all, nil
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("unsupported top-level operator %q", key)
	}

	value, present := lookup(doc, key)
	ops, isOps := operatorObject(cond)
	if !isOps {
		return present && equal(value, cond), nil
	}
	matched := true
	for op, arg := range ops {
		ok, err := applyOperator(op, value, present, arg)
		if err != nil {
			return false, err
		}
		matched = matched && ok
	}
	return matched, nil
}

func subQueries(op string, cond any) ([]map[string]any, error) {
	items, ok := cond.([]any)
	if !ok {
		return nil, fmt.Errorf("%s expects an array", op)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s expects an array of objects", op)
		}
		out = append(out, sub)
	}
	return out, nil
}

// operatorObject reports whether cond is a non-empty object whose keys are
// all operators.
func operatorObject(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(op string, value any, present bool, arg any) (bool, error) {
	switch op {
	case "$eq":
		return present && equal(value, arg), nil
	case "$ne":
		return !present || !equal(value, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		c, ok := compare(value, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$in", "$nin":
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("%s expects an array", op)
		}
		found := false
		if present {
			for _, candidate := range list {
				if equal(value, candidate) {
					found = true
					break
				}
			}
		}
		if op == "$in" {
			return found, nil
		}
		return !found, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("$exists expects a boolean")
		}
		return present == want, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func lookup(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equal(a, b any) bool {
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if af, ok := number(a); ok {
		bf, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
