package veil

// Role classifies a rendered message by the frame source that produced it
//: console/discord-style external ingress is "user",
// events originating from an AgentElement are "agent", everything else is
// "system".
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// SourceFrameRange records which frames a rendered message was built from,
// so later compression can locate and replace it.
type SourceFrameRange struct {
	From uint64
	To   uint64
}

// RenderedChunk is one piece of a frame's captured rendering:
// either a facet's content, an ambient insertion, or a compression summary.
type RenderedChunk struct {
	Content  string
	Tokens   int
	FacetIDs []string
	Type     string
	Role     Role
}

// RenderedMessage is a role-tagged group of consecutive same-role frame
// content, the unit the HUD renderer hands to an LLM
// provider.
type RenderedMessage struct {
	Role         Role
	Content      string
	SourceFrames SourceFrameRange
	Chunks       []RenderedChunk
}
