package lock

import "sort"

func sortedResourceItems(m map[string]ResourceItem) []ResourceItem {
	out := make([]ResourceItem, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedProviderItems(m map[string]ResourcesProviderItem) []ResourcesProviderItem {
	out := make([]ResourcesProviderItem, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedExecutors(m map[string]ExecutorDefinition) []ExecutorDefinition {
	out := make([]ExecutorDefinition, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
