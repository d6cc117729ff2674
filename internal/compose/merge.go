package compose

// Merge deep-merges overlay onto base and returns a new tree; neither input
// is mutated. Maps merge recursively, scalars from the overlay win, and
// lists of mappings that all carry a "name" field are unioned by that field
// (first-seen order, overlay entries win). Any other list is replaced.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))

	for k, v := range base {
		out[k] = deepCopyValue(v)
	}

	for k, ov := range overlay {
		bv, ok := out[k]
		if !ok {
			out[k] = deepCopyValue(ov)
			continue
		}
		out[k] = mergeValue(bv, ov)
	}

	return out
}

// MergeAll folds a list of overlays onto base, later overlays winning.
func MergeAll(base map[string]any, overlays ...map[string]any) map[string]any {
	out := base
	for _, overlay := range overlays {
		out = Merge(out, overlay)
	}
	return out
}

func mergeValue(base, overlay any) any {
	bm, bok := base.(map[string]any)
	om, ook := overlay.(map[string]any)
	if bok && ook {
		return Merge(bm, om)
	}

	bl, bok := base.([]any)
	ol, ook := overlay.([]any)
	if bok && ook {
		if merged, ok := mergeNamedList(bl, ol); ok {
			return merged
		}
	}

	return deepCopyValue(overlay)
}

// mergeNamedList unions two lists of mappings keyed by their "name" field.
// It reports false when either list contains an element without one.
func mergeNamedList(base, overlay []any) ([]any, bool) {
	nameOf := func(v any) (string, bool) {
		m, ok := v.(map[string]any)
		if !ok {
			return "", false
		}
		name, ok := m["name"].(string)
		return name, ok
	}

	for _, v := range append(append([]any{}, base...), overlay...) {
		if _, ok := nameOf(v); !ok {
			return nil, false
		}
	}

	var out []any
	index := make(map[string]int)

	for _, v := range base {
		name, _ := nameOf(v)
		index[name] = len(out)
		out = append(out, deepCopyValue(v))
	}

	for _, v := range overlay {
		name, _ := nameOf(v)
		if i, ok := index[name]; ok {
			out[i] = mergeValue(out[i], v)
			continue
		}
		index[name] = len(out)
		out = append(out, deepCopyValue(v))
	}

	return out, true
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
