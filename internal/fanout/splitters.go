package fanout

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/types/known/structpb"
)

// itemsField is the payload field fan-out splitting reads and writes:
// the parent's payload carries a list under "items", and each sub-payload
// is the parent payload with "items" replaced by its assigned slice.
const itemsField = "items"

// weightsField optionally parallels itemsField for load_balanced: a list
// of numbers, one per item, used to minimize the heaviest sub-task.
// Missing or short weights default the item to weight 1.
const weightsField = "weights"

func payloadItems(payload *structpb.Struct) ([]*structpb.Value, error) {
	if payload == nil {
		return nil, fmt.Errorf("fanout: payload is nil, expected an %q list", itemsField)
	}
	v, ok := payload.Fields[itemsField]
	if !ok {
		return nil, fmt.Errorf("fanout: payload has no %q field", itemsField)
	}
	lv := v.GetListValue()
	if lv == nil {
		return nil, fmt.Errorf("fanout: payload field %q is not a list", itemsField)
	}
	return lv.Values, nil
}

func withItems(base *structpb.Struct, items []*structpb.Value) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(base.GetFields())+1)
	for k, v := range base.GetFields() {
		if k == itemsField || k == weightsField {
			continue
		}
		fields[k] = v
	}
	fields[itemsField] = structpb.NewListValue(&structpb.ListValue{Values: items})
	return &structpb.Struct{Fields: fields}
}

// splitRoundRobin distributes payload's items across n sub-tasks by index
// modulo n: item i lands in bucket i%n.
func splitRoundRobin(payload *structpb.Struct, n int) ([]*structpb.Struct, error) {
	items, err := payloadItems(payload)
	if err != nil {
		return nil, err
	}
	buckets := make([][]*structpb.Value, n)
	for i, item := range items {
		b := i % n
		buckets[b] = append(buckets[b], item)
	}
	out := make([]*structpb.Struct, n)
	for i, b := range buckets {
		out[i] = withItems(payload, b)
	}
	return out, nil
}

// splitLoadBalanced distributes items across n sub-tasks minimizing the
// maximum sub-task weight, using a greedy longest-processing-time
// heuristic: items are placed heaviest-first into the currently lightest
// bucket, ties broken by lowest bucket index for determinism.
func splitLoadBalanced(payload *structpb.Struct, n int) ([]*structpb.Struct, error) {
	items, err := payloadItems(payload)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, len(items))
	for i := range weights {
		weights[i] = 1
	}
	if wv, ok := payload.GetFields()[weightsField]; ok {
		if lv := wv.GetListValue(); lv != nil {
			for i, w := range lv.Values {
				if i >= len(weights) {
					break
				}
				weights[i] = w.GetNumberValue()
			}
		}
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return weights[order[a]] > weights[order[b]]
	})

	buckets := make([][]*structpb.Value, n)
	sums := make([]float64, n)
	for _, idx := range order {
		best := 0
		for b := 1; b < n; b++ {
			if sums[b] < sums[best] {
				best = b
			}
		}
		buckets[best] = append(buckets[best], items[idx])
		sums[best] += weights[idx]
	}

	out := make([]*structpb.Struct, n)
	for i, b := range buckets {
		out[i] = withItems(payload, b)
	}
	return out, nil
}

// splitBroadcast gives every one of n sub-tasks the full, unmodified
// payload — used to query multiple agents for independent opinions.
func splitBroadcast(payload *structpb.Struct, n int) []*structpb.Struct {
	out := make([]*structpb.Struct, n)
	for i := range out {
		out[i] = payload
	}
	return out
}
