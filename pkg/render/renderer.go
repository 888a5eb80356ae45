package render

import (
	"strings"

	"go.uber.org/zap"

	"github.com/anima-research/connectome/pkg/veil"
)

// CompressionSource is the renderer's view of the compression engine's cache:
// "the renderer applies this delta... via the engine's cache." Defined here
// rather than imported from pkg/compression so pkg/render has no dependency on
// it; pkg/compression does not import pkg/render either; its Cache satisfies
// this interface structurally.
type CompressionSource interface {
	ShouldReplaceFrame(seq uint64) bool
	// Replacement returns the replacement content for seq and true, or ("", true)
	// for a frame inside a replaced range that isn't the range's first frame, or
	// ("", false) if seq has no compression result yet.
	Replacement(seq uint64) (string, bool)
	StateDelta(seq uint64) *veil.StateDelta
}

// RenderedContext is the renderer's output for one agent activation.
type RenderedContext struct {
	ActivationID string
	Messages     []veil.RenderedMessage
	Metadata     map[string]any
}

// Options configures one Render call.
type Options struct {
	// AmbientDepth is how many trailing messages ambient context is inserted
	// before, so it stays salient near the end of context without being the
	// literal last thing.
	AmbientDepth int
	// TokenBudget is a soft limit: exceeding it logs a warning but never drops
	// frames. Zero means unlimited.
	TokenBudget int
	AssistantPrefix string
	AssistantSuffix string
	Compression     CompressionSource
}

func (o Options) withDefaults() Options {
	if o.AmbientDepth <= 0 {
		o.AmbientDepth = 5
	}
	return o
}

// Renderer implements the frame-tracking HUD.
type Renderer struct {
	tokens *TokenCounter
	logger *zap.Logger
}

// NewRenderer builds a Renderer. A nil TokenCounter uses DefaultTokenCounter; a
// nil logger is replaced with zap.NewNop.
func NewRenderer(tokens *TokenCounter, logger *zap.Logger) *Renderer {
	if tokens == nil {
		tokens = DefaultTokenCounter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{tokens: tokens, logger: logger}
}

// Render walks view's frame history and produces a RenderedContext for the
// named activation.
func (r *Renderer) Render(view veil.ReadOnlyView, activationID string, opts Options) RenderedContext {
	opts = opts.withDefaults()
	frames := view.History()

	replay := newReplayMap()
	roles := make([]veil.Role, len(frames))
	chunksByFrame := make([][]veil.RenderedChunk, len(frames))

	for i, frame := range frames {
		role := classifyFrameRole(frame)
		roles[i] = role

		if opts.Compression != nil && opts.Compression.ShouldReplaceFrame(frame.Sequence) {
			if repl, ok := opts.Compression.Replacement(frame.Sequence); ok {
				if sd := opts.Compression.StateDelta(frame.Sequence); sd != nil {
					replay.applyStateDelta(*sd)
				}
				if repl != "" {
					chunksByFrame[i] = []veil.RenderedChunk{{
						Content: repl,
						Tokens:  r.tokens.Count(repl),
						Type:    "compression-summary",
						Role:    role,
					}}
				}
				continue
			}
		}

		chunksByFrame[i] = r.renderFrameDeltas(replay, frame, role)
	}

	messages := groupIntoMessages(frames, roles, chunksByFrame)
	messages = r.appendAmbientContext(messages, view, opts)
	messages = applyAssistantPrefixSuffix(messages, opts)
	r.enforceSoftBudget(messages, opts.TokenBudget)

	return RenderedContext{
		ActivationID: activationID,
		Messages:     messages,
		Metadata:     map[string]any{"frameCount": len(frames)},
	}
}

func (r *Renderer) renderFrameDeltas(replay *replayMap, frame *veil.Frame, role veil.Role) []veil.RenderedChunk {
	var chunks []veil.RenderedChunk
	for _, d := range frame.Deltas {
		switch d.Kind {
		case veil.DeltaAdd:
			replay.add(d.Facet)
			if c, ok := r.chunkFor(replay, d.Facet, role); ok {
				chunks = append(chunks, c)
			}
		case veil.DeltaRewrite:
			replay.rewrite(d.ID, d.Changes)
			if f := replay.get(d.ID); f != nil {
				if c, ok := r.chunkFor(replay, f, role); ok {
					chunks = append(chunks, c)
				}
			}
		case veil.DeltaRemove:
			replay.remove(d.ID)
		}
	}
	return chunks
}

func (r *Renderer) chunkFor(replay *replayMap, f *veil.Facet, role veil.Role) (veil.RenderedChunk, bool) {
	if f == nil || replay.isHidden(f.ID) {
		return veil.RenderedChunk{}, false
	}
	text := renderFacetText(replay, f)
	if text == "" {
		return veil.RenderedChunk{}, false
	}
	return veil.RenderedChunk{
		Content:  text,
		Tokens:   r.tokens.Count(text),
		FacetIDs: []string{f.ID},
		Type:     string(f.Kind),
		Role:     role,
	}, true
}

// classifyFrameRole classifies a frame by the topic of the event(s) that drove
// it. A frame with no events (pure Transform output, e.g. a fixed-point pass
// with nothing new from Phase 1) is system.
func classifyFrameRole(frame *veil.Frame) veil.Role {
	if len(frame.Events) == 0 {
		return veil.RoleSystem
	}
	return classifyEventRole(frame.Events[0])
}

func classifyEventRole(ev veil.SpaceEvent) veil.Role {
	switch ev.Topic {
	case "console:input", "discord:message":
		return veil.RoleUser
	}
	if ev.Source.ElementType == "agent" || strings.HasPrefix(ev.Topic, "agent:") {
		return veil.RoleAgent
	}
	if strings.HasSuffix(ev.Topic, ":input") || strings.HasSuffix(ev.Topic, ":message") {
		return veil.RoleUser
	}
	return veil.RoleSystem
}

// groupIntoMessages groups consecutive same-role frame content into role-tagged
// messages, preserving per-message sourceFrames. Frames that rendered no chunks
// are skipped; they neither start nor extend a group.
func groupIntoMessages(frames []*veil.Frame, roles []veil.Role, chunksByFrame [][]veil.RenderedChunk) []veil.RenderedMessage {
	var out []veil.RenderedMessage
	for i, frame := range frames {
		chunks := chunksByFrame[i]
		if len(chunks) == 0 {
			continue
		}
		role := roles[i]
		if n := len(out); n > 0 && out[n-1].Role == role {
			last := &out[n-1]
			last.Chunks = append(last.Chunks, chunks...)
			last.SourceFrames.To = frame.Sequence
			last.Content = joinChunkContent(last.Chunks)
			continue
		}
		out = append(out, veil.RenderedMessage{
			Role:         role,
			Chunks:       append([]veil.RenderedChunk(nil), chunks...),
			SourceFrames: veil.SourceFrameRange{From: frame.Sequence, To: frame.Sequence},
			Content:      joinChunkContent(chunks),
		})
	}
	return out
}

func joinChunkContent(chunks []veil.RenderedChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n")
}

// appendAmbientContext inserts ambient facets as a trailing user message a
// fixed distance from the end of the sequence, rather than as the literal last
// message, so they stay salient without crowding out the most recent turn.
func (r *Renderer) appendAmbientContext(messages []veil.RenderedMessage, view veil.ReadOnlyView, opts Options) []veil.RenderedMessage {
	ambients := view.FacetsByType(veil.KindAmbient)
	if len(ambients) == 0 {
		return messages
	}

	var parts []string
	var facetIDs []string
	for _, f := range ambients {
		if f.Content == "" {
			continue
		}
		parts = append(parts, f.Content)
		facetIDs = append(facetIDs, f.ID)
	}
	if len(parts) == 0 {
		return messages
	}
	content := strings.Join(parts, "\n")
	ambientMsg := veil.RenderedMessage{
		Role:    veil.RoleUser,
		Content: content,
		Chunks: []veil.RenderedChunk{{
			Content:  content,
			Tokens:   r.tokens.Count(content),
			FacetIDs: facetIDs,
			Type:     "ambient",
			Role:     veil.RoleUser,
		}},
	}

	insertAt := len(messages) - opts.AmbientDepth
	if insertAt < 0 {
		insertAt = 0
	}
	out := make([]veil.RenderedMessage, 0, len(messages)+1)
	out = append(out, messages[:insertAt]...)
	out = append(out, ambientMsg)
	out = append(out, messages[insertAt:]...)
	return out
}

// applyAssistantPrefixSuffix optionally appends a prefill-style trailing agent
// message.
func applyAssistantPrefixSuffix(messages []veil.RenderedMessage, opts Options) []veil.RenderedMessage {
	if opts.AssistantPrefix == "" && opts.AssistantSuffix == "" {
		return messages
	}
	content := opts.AssistantPrefix + opts.AssistantSuffix
	if content == "" {
		return messages
	}
	return append(messages, veil.RenderedMessage{
		Role:    veil.RoleAgent,
		Content: content,
		Chunks:  []veil.RenderedChunk{{Content: content, Type: "assistant-prefill", Role: veil.RoleAgent}},
	})
}

// enforceSoftBudget logs a warning when the rendered context exceeds the
// configured token budget. It never drops frames: dropping would break the
// agent's sense of continuity.
func (r *Renderer) enforceSoftBudget(messages []veil.RenderedMessage, budget int) {
	if budget <= 0 {
		return
	}
	total := 0
	for _, m := range messages {
		for _, c := range m.Chunks {
			total += c.Tokens
		}
	}
	if total > budget {
		r.logger.Warn("rendered context exceeds soft token budget",
			zap.Int("tokens", total), zap.Int("budget", budget))
	}
}
