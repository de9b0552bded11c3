package job

// Data is the free-form key/value map carried by jobs, triggers and fires.
type Data map[string]any

// Clone returns a deep copy of d. Nested maps and slices are copied;
// other values are shared.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a new map holding d overlaid by each of layers in order.
func (d Data) Merge(layers ...Data) Data {
	out := d.Clone()
	if out == nil {
		out = Data{}
	}
	for _, l := range layers {
		for k, v := range l {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// String returns d[key] as a string, or "" when absent or not a string.
func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Data(t).Clone())
	case Data:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
