package fanout

import "google.golang.org/protobuf/types/known/structpb"

// resultsField is the field under which concat stores the ordered list
// of sub-task results.
const resultsField = "results"

// aggregateConcat builds {"results": [results[0], ..., results[n-1]]} in
// sub-task index order.
func aggregateConcat(results []*structpb.Struct) (*structpb.Struct, error) {
	values := make([]*structpb.Value, len(results))
	for i, r := range results {
		if r == nil {
			values[i] = structpb.NewNullValue()
			continue
		}
		values[i] = structpb.NewStructValue(r)
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			resultsField: structpb.NewListValue(&structpb.ListValue{Values: values}),
		},
	}, nil
}

// aggregateMerge deep-merges mapping-valued results in sub-task index
// order. A struct-valued key present in more than one result has its
// nested fields merged recursively, so disjoint nested keys from an
// earlier sub-task survive; only a genuine leaf conflict resolves by
// last-writer-wins (the later sub-task, by index).
func aggregateMerge(results []*structpb.Struct) (*structpb.Struct, error) {
	merged := make(map[string]*structpb.Value)
	for _, r := range results {
		for k, v := range r.GetFields() {
			if existing, ok := merged[k]; ok {
				merged[k] = mergeValue(existing, v)
			} else {
				merged[k] = cloneValue(v)
			}
		}
	}
	return &structpb.Struct{Fields: merged}, nil
}

// mergeValue combines a and b for one key: if both are struct-valued it
// recurses field by field; otherwise b wins outright, matching the
// scalar last-writer-wins rule.
func mergeValue(a, b *structpb.Value) *structpb.Value {
	as, bs := a.GetStructValue(), b.GetStructValue()
	if as == nil || bs == nil {
		return cloneValue(b)
	}
	fields := make(map[string]*structpb.Value, len(as.GetFields())+len(bs.GetFields()))
	for k, v := range as.GetFields() {
		fields[k] = cloneValue(v)
	}
	for k, v := range bs.GetFields() {
		if existing, ok := fields[k]; ok {
			fields[k] = mergeValue(existing, v)
		} else {
			fields[k] = cloneValue(v)
		}
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// cloneValue deep-copies v so a merged result never aliases a sub-task's
// own result struct.
func cloneValue(v *structpb.Value) *structpb.Value {
	if v == nil {
		return nil
	}
	if s := v.GetStructValue(); s != nil {
		fields := make(map[string]*structpb.Value, len(s.GetFields()))
		for k, fv := range s.GetFields() {
			fields[k] = cloneValue(fv)
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	}
	if l := v.GetListValue(); l != nil {
		vals := make([]*structpb.Value, len(l.GetValues()))
		for i, lv := range l.GetValues() {
			vals[i] = cloneValue(lv)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals})
	}
	return v
}
