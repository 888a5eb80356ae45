package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anima-research/connectome/pkg/veil"
)

// renderFacetText renders a single facet per the facet rendering rules:
// displayName becomes the tag name, children render nested, action facets
// render as a tool_call tag, thought facets render wrapped in <thought>. An
// empty result means the facet contributes nothing visible this frame (e.g. a
// state facet with no content and no renderable children).
func renderFacetText(rm *replayMap, f *veil.Facet) string {
	if f == nil {
		return ""
	}
	switch f.Kind {
	case veil.KindAction:
		return renderActionTag(f)
	case veil.KindThought:
		if f.Content == "" {
			return ""
		}
		return fmt.Sprintf("<thought>%s</thought>", f.Content)
	default:
		return renderTaggedFacet(rm, f)
	}
}

func renderTaggedFacet(rm *replayMap, f *veil.Facet) string {
	var body strings.Builder
	body.WriteString(f.Content)
	for _, childID := range f.Children {
		if rm.isHidden(childID) {
			continue
		}
		child := rm.get(childID)
		if child == nil {
			continue
		}
		if childText := renderFacetText(rm, child); childText != "" {
			body.WriteString(childText)
		}
	}
	if body.Len() == 0 {
		return ""
	}
	tag := f.DisplayName
	if tag == "" {
		tag = string(f.Kind)
	}
	return fmt.Sprintf("<%s>%s</%s>", tag, body.String(), tag)
}

// renderActionTag renders an action facet as `<tool_call name="…"><parameter
// name="…" value="…"/>…</tool_call>`. Parameters are emitted in sorted key
// order for deterministic output across runs.
func renderActionTag(f *veil.Facet) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<tool_call name=%q>", f.ToolName))

	keys := make([]string, 0, len(f.Parameters))
	for k := range f.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("<parameter name=%q value=%q/>", k, fmt.Sprintf("%v", f.Parameters[k])))
	}
	sb.WriteString(f.Content)
	sb.WriteString("</tool_call>")
	return sb.String()
}
