// Package kernel implements the Generative Kernel: the unknown-message
// router that classifies a selector's intent and synthesizes a
// response from the memory, world, and WAL subsystems when no
// explicit command handler exists. See spec.md §4.E.
//
// Grounded on the teacher's dispatch-by-string-prefix pattern in
// internal/rag/service (category-keyed handler tables) generalized
// from HTTP routes to selector classification.
package kernel

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"telos/internal/memory"
	"telos/internal/streams"
	"telos/internal/wal"
	"telos/internal/world"
)

// Category is the classification a selector is routed under.
type Category string

const (
	Creation    Category = "creation"
	Query       Category = "query"
	Action      Category = "action"
	Morphic     Category = "morphic"
	Persistence Category = "persistence"
	Unknown     Category = "unknown"
)

// Result is what the kernel synthesizes for a dispatched selector.
type Result struct {
	Category      Category
	Selector      string
	Summary       string
	CreatedID     string          // set for Creation, and for Unknown (the placeholder's id)
	MorphIDs      []string        // set for hit-test / filter queries
	Frames        []wal.FrameSummary // set for WAL frame-listing queries
	MemoryHits    []memory.Ranked
	MemoryPattern *memory.Ranked // top memory hit attached as context, never as the answer
}

// Kernel wires the three core subsystems a synthesized response may
// consult or mutate, plus the stream registry unknown selectors record
// curation entries to.
type Kernel struct {
	world   *world.World
	mem     *memory.Index
	wal     *wal.Engine
	streams *streams.Registry
	log     zerolog.Logger
}

// New builds a Kernel over the given subsystems. registry may be nil,
// in which case unknown-selector curation entries are simply not
// recorded.
func New(w *world.World, mem *memory.Index, walEngine *wal.Engine, registry *streams.Registry, log zerolog.Logger) *Kernel {
	return &Kernel{world: w, mem: mem, wal: walEngine, streams: registry, log: log}
}

// Classify implements spec.md §4.E step 2's selector-to-category rule.
func Classify(selector string) Category {
	lower := strings.ToLower(selector)
	switch {
	case strings.HasPrefix(lower, "create") || strings.HasPrefix(lower, "new") || strings.HasPrefix(lower, "make"):
		return Creation
	case strings.Contains(lower, "find") || strings.Contains(lower, "search") || strings.Contains(lower, "get") || strings.Contains(lower, "query"):
		return Query
	case strings.HasSuffix(selector, "Action") || strings.Contains(lower, "do") || strings.Contains(lower, "execute") || strings.Contains(lower, "run"):
		return Action
	case strings.Contains(lower, "morph") || strings.Contains(lower, "ui") || strings.Contains(lower, "draw"):
		return Morphic
	case strings.Contains(lower, "save") || strings.Contains(lower, "load") || strings.Contains(lower, "persist") || strings.Contains(lower, "wal"):
		return Persistence
	default:
		return Unknown
	}
}

// Dispatch runs the full pipeline from spec.md §4.E: mark emission,
// classification, memory consultation, and category synthesis.
func (k *Kernel) Dispatch(ctx context.Context, selector string, args []string) Result {
	_ = k.wal.Mark("telos.generative.invoke", map[string]any{"selector": selector, "argc": len(args)})

	category := Classify(selector)
	result := Result{Category: category, Selector: selector}

	query := strings.TrimSpace(selector + " " + strings.Join(args, " "))
	if hits := k.mem.Search(query, 5); len(hits) > 0 {
		result.MemoryHits = hits
		top := hits[0]
		result.MemoryPattern = &top
	}

	switch category {
	case Creation:
		k.synthesizeCreation(selector, args, &result)
	case Query:
		k.synthesizeQuery(selector, args, &result)
	case Action:
		k.synthesizeAction(selector, args, &result)
	case Morphic:
		k.synthesizeMorphic(selector, args, &result)
	case Persistence:
		k.synthesizePersistence(selector, args, &result)
	default:
		k.synthesizeUnknown(selector, args, &result)
	}
	return result
}

func inferKindName(selector string) string {
	lower := strings.ToLower(selector)
	for _, prefix := range []string{"create", "new", "make"} {
		if strings.HasPrefix(lower, prefix) {
			rest := selector[len(prefix):]
			if rest == "" {
				return "Morph"
			}
			return rest
		}
	}
	return "Morph"
}

// inferKind resolves the selector's inferred name against the world's
// registered templates by nearest substring match (spec.md §8 scenario
// 6: "createGlimmerButton" resolves to the known kind "ButtonMorph").
// A name that matches no more specific template resolves to the base
// "Morph" kind, whose stem is empty and so matches every name; the
// literal inferred name is used only when no template matches at all.
func (k *Kernel) inferKind(selector string) string {
	name := inferKindName(selector)
	if resolved, ok := k.world.NearestTemplateKind(name); ok {
		return resolved
	}
	return name
}

func parseFloatArgs(args []string, n int) []float64 {
	out := make([]float64, 0, n)
	for i := 0; i < n && i < len(args); i++ {
		f, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			f = 0
		}
		out = append(out, f)
	}
	for len(out) < n {
		out = append(out, 0)
	}
	return out
}

// synthesizeCreation instantiates the inferred kind and applies up to
// 4 positional args as (x, y, w, h).
func (k *Kernel) synthesizeCreation(selector string, args []string, result *Result) {
	kind := k.inferKind(selector)
	id, err := k.world.CreateMorph(kind)
	if err != nil {
		result.Summary = "[create-failed]" + err.Error()
		return
	}
	vals := parseFloatArgs(args, 4)
	_ = k.world.MoveTo(id, vals[0], vals[1])
	if vals[2] != 0 || vals[3] != 0 {
		_ = k.world.ResizeTo(id, vals[2], vals[3])
	}
	result.CreatedID = id
	result.Summary = "created " + kind + " " + id
}

// synthesizeQuery picks one of four query sub-modes: hit-test, WAL
// frame listing, kind filter, or (the default) the memory search that
// Dispatch already ran. Selectors mentioning "color" use the kind
// filter too: args[0] is compared with each morph's kind, not its
// color. There is no persona lookup.
func (k *Kernel) synthesizeQuery(selector string, args []string, result *Result) {
	lower := strings.ToLower(selector)

	if strings.Contains(selector, "At") && len(args) >= 2 {
		vals := parseFloatArgs(args, 2)
		result.MorphIDs = k.world.HitTest(vals[0], vals[1])
		result.Summary = "hit-test matched " + strconv.Itoa(len(result.MorphIDs))
		return
	}

	if strings.Contains(lower, "wal") || strings.Contains(lower, "frame") {
		frames, err := k.wal.ListCompleteFrames()
		if err != nil {
			result.Summary = "[wal-query-failed]" + err.Error()
			return
		}
		result.Frames = frames
		result.Summary = "listed " + strconv.Itoa(len(frames)) + " frames"
		return
	}

	if strings.Contains(lower, "kind") || strings.Contains(lower, "color") {
		var want string
		if len(args) > 0 {
			want = strings.ToLower(args[0])
		}
		var matched []string
		for _, m := range k.world.Snapshot() {
			if want == "" || strings.ToLower(m.Kind) == want {
				matched = append(matched, m.ID)
			}
		}
		result.MorphIDs = matched
		result.Summary = "filtered " + strconv.Itoa(len(matched)) + " morphs"
		return
	}

	// Default: memory search already populated result.MemoryHits above.
	result.Summary = "memory search returned " + strconv.Itoa(len(result.MemoryHits)) + " hits"
}

func (k *Kernel) synthesizeAction(selector string, args []string, result *Result) {
	result.Summary = "action " + selector + " acknowledged with " + strconv.Itoa(len(args)) + " args"
}

func (k *Kernel) synthesizeMorphic(selector string, args []string, result *Result) {
	result.Summary = "morphic event " + selector + " processed"
}

func (k *Kernel) synthesizePersistence(selector string, args []string, result *Result) {
	lower := strings.ToLower(selector)
	switch {
	case strings.Contains(lower, "replay"):
		result.Summary = "replay delegated to command surface"
	case strings.Contains(lower, "save") || strings.Contains(lower, "snapshot"):
		result.Summary = "snapshot delegated to command surface"
	default:
		result.Summary = "persistence selector " + selector + " acknowledged"
	}
}

// synthesizeUnknown records a learning placeholder: a new
// LearningPlaceholder morph tagged with the selector that invoked it, so repeated unknown
// selectors accumulate observable history rather than vanishing
// silently.
func (k *Kernel) synthesizeUnknown(selector string, args []string, result *Result) {
	id, err := k.world.CreateMorph("LearningPlaceholder")
	if err != nil {
		result.Summary = "[unknown-failed]" + err.Error()
		return
	}
	_ = k.world.SetText(id, "unhandled: "+selector)
	k.mem.AddContextTagged("unhandled selector "+selector, []string{"placeholder", "unknown"})
	if k.streams != nil {
		_ = k.streams.AppendCuration(streams.CurationEntry{
			Kind:   "memory",
			Key:    selector,
			Path:   id,
			Record: map[string]any{"selector": selector, "args": args},
		})
	}
	result.CreatedID = id
	result.Summary = "synthesized placeholder for unknown selector " + selector
}
