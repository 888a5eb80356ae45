package agentbridge

import (
	"regexp"
	"strings"
)

// SegmentKind tags one parsed piece of a completion.
type SegmentKind string

const (
	SegmentSpeech  SegmentKind = "speech"
	SegmentThought SegmentKind = "thought"
	SegmentAction  SegmentKind = "action"
)

// Segment is one parsed piece of an agent completion, in document order.
type Segment struct {
	Kind       SegmentKind
	Content    string
	ToolName   string
	Parameters map[string]any
}

var (
	// The action grammar: tool_call wrapping attribute-style parameters (the
	// shape the renderer emits) or element-style parameters. Completions are
	// parsed with both shapes, so the renderer's own output round-trips
	// through an agent.
	blockRe     = regexp.MustCompile(`(?s)<thought>(.*?)</thought>|<tool_call name="([^"]*)">(.*?)</tool_call>`)
	paramAttrRe = regexp.MustCompile(`<parameter name="([^"]*)" value="([^"]*)"/>`)
	paramElemRe = regexp.MustCompile(`(?s)<parameter name="([^"]*)">(.*?)</parameter>`)
)

// ParseCompletion splits a raw completion into speech, thought, and action
// segments in document order. Text outside any recognized tag is speech;
// empty speech runs are dropped. The parser is pure: the same text always
// yields the same segments, which keeps the receptor consuming it
// replay-safe.
func ParseCompletion(text string) []Segment {
	var segments []Segment
	last := 0
	for _, loc := range blockRe.FindAllStringSubmatchIndex(text, -1) {
		if speech := strings.TrimSpace(text[last:loc[0]]); speech != "" {
			segments = append(segments, Segment{Kind: SegmentSpeech, Content: speech})
		}
		last = loc[1]

		if loc[2] >= 0 { // thought
			if thought := strings.TrimSpace(text[loc[2]:loc[3]]); thought != "" {
				segments = append(segments, Segment{Kind: SegmentThought, Content: thought})
			}
			continue
		}

		name := text[loc[4]:loc[5]]
		body := text[loc[6]:loc[7]]
		params := parseParameters(body)
		remainder := paramAttrRe.ReplaceAllString(body, "")
		remainder = paramElemRe.ReplaceAllString(remainder, "")
		segments = append(segments, Segment{
			Kind:       SegmentAction,
			ToolName:   name,
			Parameters: params,
			Content:    strings.TrimSpace(remainder),
		})
	}
	if speech := strings.TrimSpace(text[last:]); speech != "" {
		segments = append(segments, Segment{Kind: SegmentSpeech, Content: speech})
	}
	return segments
}

func parseParameters(body string) map[string]any {
	params := make(map[string]any)
	for _, m := range paramAttrRe.FindAllStringSubmatch(body, -1) {
		params[m[1]] = m[2]
	}
	for _, m := range paramElemRe.FindAllStringSubmatch(body, -1) {
		params[m[1]] = strings.TrimSpace(m[2])
	}
	if len(params) == 0 {
		return nil
	}
	return params
}
