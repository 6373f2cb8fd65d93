// Package world implements the prototypal object graph: a tree of
// Morphs addressed by stable string ids, a prototype template
// registry, transactional slot setters that write through the WAL, and
// depth-first hit-testing/event dispatch with a per-morph drag state
// machine.
//
// Morphs are stored in an arena (World.morphs, keyed by MorphID) and
// reference each other only by id, never by pointer — this breaks the
// parent/child ownership cycle while preserving O(1) lookup in both
// directions (spec.md §9).
package world

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telos/internal/wal"
)

// MorphID identifies a morph within a World.
type MorphID = string

// RootID is the fixed id of the single root morph per World.
const RootID MorphID = "root"

// Sentinel errors.
var (
	ErrNoSuchMorph  = errors.New("world: no such morph")
	ErrNoSuchParent = errors.New("world: no such parent")
)

// Color is an RGBA color with components in [0,1]. Alpha's canonical
// representation is float64, defaulting to 1.0 on both write and parse
// (spec.md §9 open question on alpha defaulting).
type Color struct {
	R, G, B, A float64
}

// DefaultColor is white, fully opaque.
var DefaultColor = Color{R: 1, G: 1, B: 1, A: 1}

// Morph is one node in the object tree.
type Morph struct {
	ID     MorphID
	Kind   string
	X, Y   float64
	Width  float64
	Height float64
	Color  Color
	ZIndex int
	Text   string

	Children []MorphID
	Parent   *MorphID

	// PersistedIdentity guards lazy `SET id.type TO kind` emission: the
	// type line is written just before the first non-type mutation for
	// this morph is persisted, not at creation time (spec.md §4.D).
	PersistedIdentity bool

	dragging       bool
	dragDX, dragDY float64
}

// Rect reports whether (x,y) falls within the morph's bounding box.
func (m *Morph) Rect(x, y float64) bool {
	return x >= m.X && x <= m.X+m.Width && y >= m.Y && y <= m.Y+m.Height
}

// Template is a prototype: the default slot values cloned into a fresh
// Morph by CreateMorph and by replay's implicit "type" creation path.
type Template struct {
	Kind   string
	Width  float64
	Height float64
	Color  Color
}

func (t Template) instantiate(id MorphID) *Morph {
	return &Morph{
		ID:     id,
		Kind:   t.Kind,
		Width:  t.Width,
		Height: t.Height,
		Color:  t.Color,
	}
}

// World owns the morph arena, the prototype registry, and the WAL
// engine mutations are written through. One World corresponds to one
// process-wide singleton per spec.md §5; tests construct independent
// instances freely.
type World struct {
	mu        sync.RWMutex
	morphs    map[MorphID]*Morph
	templates map[string]Template
	wal       *wal.Engine
	log       zerolog.Logger
	newID     func() string
}

// New constructs an empty World wired to walEngine. Call CreateWorld to
// populate the root morph.
func New(walEngine *wal.Engine, log zerolog.Logger) *World {
	w := &World{
		morphs:    make(map[MorphID]*Morph),
		templates: defaultTemplates(),
		wal:       walEngine,
		log:       log.With().Str("component", "world").Logger(),
		newID:     func() string { return uuid.NewString() },
	}
	return w
}

func defaultTemplates() map[string]Template {
	return map[string]Template{
		"Morph":          {Kind: "Morph", Width: 10, Height: 10, Color: DefaultColor},
		"World":          {Kind: "World", Width: 0, Height: 0, Color: DefaultColor},
		"RectangleMorph": {Kind: "RectangleMorph", Width: 50, Height: 50, Color: Color{R: 0.8, G: 0.2, B: 0.2, A: 1}},
		"TextMorph":      {Kind: "TextMorph", Width: 100, Height: 20, Color: DefaultColor},
		"ButtonMorph":    {Kind: "ButtonMorph", Width: 80, Height: 24, Color: Color{R: 0.7, G: 0.7, B: 0.7, A: 1}},
		"ImageMorph":     {Kind: "ImageMorph", Width: 64, Height: 64, Color: DefaultColor},
		"CanvasMorph":    {Kind: "CanvasMorph", Width: 640, Height: 480, Color: Color{R: 1, G: 1, B: 1, A: 1}},

		// Kind of the generative kernel's unknown-selector placeholder.
		"LearningPlaceholder": {Kind: "LearningPlaceholder", Width: 10, Height: 10, Color: DefaultColor},
	}
}

// RegisterTemplate adds or replaces a prototype for a user-defined kind.
func (w *World) RegisterTemplate(t Template) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.templates[t.Kind] = t
}

// templateFor falls back to the base Morph template when kind is
// unregistered (spec.md §7 "missing template kind").
func (w *World) templateFor(kind string) Template {
	if t, ok := w.templates[kind]; ok {
		return t
	}
	return w.templates["Morph"]
}

// NearestTemplateKind resolves an inferred kind name (e.g. from a
// generative selector like "createGlimmerButton") against the
// registered template keys by case-insensitive substring match,
// preferring the longest matching registered kind name. Used by the
// generative kernel's creation synthesis (spec.md §4.E, §8 scenario 6)
// so that e.g. "GlimmerButton" resolves to the known "ButtonMorph".
func (w *World) NearestTemplateKind(name string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	lower := strings.ToLower(name)
	best, bestLen := "", 0
	for kind := range w.templates {
		if kind == "World" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(strings.TrimSuffix(kind, "Morph"))) && len(kind) > bestLen {
			best, bestLen = kind, len(kind)
		}
	}
	return best, best != ""
}

// CreateWorld creates the single root morph if one does not already
// exist, and returns its id either way (idempotent).
func (w *World) CreateWorld() MorphID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.morphs[RootID]; ok {
		return RootID
	}
	root := w.templateFor("World").instantiate(RootID)
	root.PersistedIdentity = true
	w.morphs[RootID] = root
	return RootID
}

// Get returns the morph for id, or ErrNoSuchMorph.
func (w *World) Get(id MorphID) (Morph, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.morphs[id]
	if !ok {
		return Morph{}, ErrNoSuchMorph
	}
	return *m, nil
}

// CreateMorph clones the template for kind, assigns a fresh id, and
// attaches it as a child of the root morph. The identity ("SET
// id.type") is not written until the first subsequent mutation
// (lazy emission, spec.md §4.D).
func (w *World) CreateMorph(kind string) (MorphID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	root, ok := w.morphs[RootID]
	if !ok {
		return "", ErrNoSuchParent
	}
	id := w.newID()
	m := w.templateFor(kind).instantiate(id)
	parent := RootID
	m.Parent = &parent
	w.morphs[id] = m
	root.Children = append(root.Children, id)
	return id, nil
}

// AddSubmorph reparents child under parent. Structural only: it never
// itself emits a SET line, since topology is recoverable from the
// individual type/position lines replayed for each morph.
func (w *World) AddSubmorph(parent, child MorphID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.morphs[parent]
	if !ok {
		return ErrNoSuchParent
	}
	c, ok := w.morphs[child]
	if !ok {
		return ErrNoSuchMorph
	}
	if c.Parent != nil {
		w.detachLocked(*c.Parent, child)
	}
	p.Children = append(p.Children, child)
	pid := parent
	c.Parent = &pid
	return nil
}

// RemoveSubmorph detaches child from parent's children list.
func (w *World) RemoveSubmorph(parent, child MorphID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.morphs[parent]; !ok {
		return ErrNoSuchParent
	}
	w.detachLocked(parent, child)
	if c, ok := w.morphs[child]; ok {
		c.Parent = nil
	}
	return nil
}

func (w *World) detachLocked(parent, child MorphID) {
	p, ok := w.morphs[parent]
	if !ok {
		return
	}
	out := p.Children[:0]
	for _, id := range p.Children {
		if id != child {
			out = append(out, id)
		}
	}
	p.Children = out
}

// ensureIdentityLocked writes the lazy `SET id.type TO kind` line the
// first time any slot is persisted for this morph. Caller holds w.mu.
func (w *World) ensureIdentityLocked(m *Morph) {
	if m.PersistedIdentity {
		return
	}
	m.PersistedIdentity = true
	if w.wal != nil {
		_ = w.wal.Append(fmt.Sprintf("SET %s.type TO %s", m.ID, m.Kind))
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// MoveTo repositions a morph and, unless replay is in progress, emits
// the corresponding SET line.
func (w *World) MoveTo(id MorphID, x, y float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.morphs[id]
	if !ok {
		return ErrNoSuchMorph
	}
	m.X, m.Y = x, y
	w.ensureIdentityLocked(m)
	if w.wal != nil {
		_ = w.wal.Append(fmt.Sprintf("SET %s.position TO (%s,%s)", id, formatFloat(x), formatFloat(y)))
	}
	return nil
}

// ResizeTo resizes a morph and emits the corresponding SET line.
func (w *World) ResizeTo(id MorphID, width, height float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.morphs[id]
	if !ok {
		return ErrNoSuchMorph
	}
	m.Width, m.Height = width, height
	w.ensureIdentityLocked(m)
	if w.wal != nil {
		_ = w.wal.Append(fmt.Sprintf("SET %s.size TO (%sx%s)", id, formatFloat(width), formatFloat(height)))
	}
	return nil
}

// SetColor recolors a morph, normalizing alpha to 1.0 when a is < 0
// (sentinel for "omitted"), and emits the corresponding SET line.
func (w *World) SetColor(id MorphID, r, g, b, a float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.morphs[id]
	if !ok {
		return ErrNoSuchMorph
	}
	if a < 0 {
		a = 1.0
	}
	m.Color = Color{R: r, G: g, B: b, A: a}
	w.ensureIdentityLocked(m)
	if w.wal != nil {
		_ = w.wal.Append(fmt.Sprintf("SET %s.color TO [%s,%s,%s,%s]", id, formatFloat(r), formatFloat(g), formatFloat(b), formatFloat(a)))
	}
	return nil
}

// SetZIndex sets a morph's draw order index.
func (w *World) SetZIndex(id MorphID, z int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.morphs[id]
	if !ok {
		return ErrNoSuchMorph
	}
	m.ZIndex = z
	w.ensureIdentityLocked(m)
	if w.wal != nil {
		_ = w.wal.Append(fmt.Sprintf("SET %s.zIndex TO %d", id, z))
	}
	return nil
}

// SetText sets a morph's text slot.
func (w *World) SetText(id MorphID, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.morphs[id]
	if !ok {
		return ErrNoSuchMorph
	}
	m.Text = text
	w.ensureIdentityLocked(m)
	if w.wal != nil {
		_ = w.wal.Append(fmt.Sprintf("SET %s.text TO %s", id, text))
	}
	return nil
}

// BringToFront sets z_index to max(sibling z)+1 and reorders the
// parent's children list so the morph is last. Emits one SET for
// zIndex.
func (w *World) BringToFront(id MorphID) error {
	w.mu.Lock()
	m, ok := w.morphs[id]
	if !ok {
		w.mu.Unlock()
		return ErrNoSuchMorph
	}
	if m.Parent == nil {
		w.mu.Unlock()
		return nil
	}
	parent, ok := w.morphs[*m.Parent]
	if !ok {
		w.mu.Unlock()
		return ErrNoSuchParent
	}
	maxZ := 0
	for _, sibID := range parent.Children {
		if sib, ok := w.morphs[sibID]; ok && sib.ZIndex > maxZ {
			maxZ = sib.ZIndex
		}
	}
	newZ := maxZ + 1
	out := make([]MorphID, 0, len(parent.Children))
	for _, sibID := range parent.Children {
		if sibID != id {
			out = append(out, sibID)
		}
	}
	out = append(out, id)
	parent.Children = out
	w.mu.Unlock()
	return w.SetZIndex(id, newZ)
}

// HitTest returns the ids of morphs whose rectangle contains (x,y), in
// depth-first pre-order. The last entry is the topmost visible morph.
func (w *World) HitTest(x, y float64) []MorphID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	root, ok := w.morphs[RootID]
	if !ok {
		return nil
	}
	var hits []MorphID
	w.walkPreOrder(root, func(m *Morph) {
		if m.ID != RootID && m.Rect(x, y) {
			hits = append(hits, m.ID)
		}
	})
	return hits
}

func (w *World) walkPreOrder(m *Morph, visit func(*Morph)) {
	visit(m)
	for _, childID := range m.Children {
		if c, ok := w.morphs[childID]; ok {
			w.walkPreOrder(c, visit)
		}
	}
}

// EventKind enumerates the dispatchable pointer events.
type EventKind int

const (
	MouseDown EventKind = iota
	MouseMove
	MouseUp
	Click
)

// Event is a pointer interaction targeted at world coordinates.
type Event struct {
	Kind EventKind
	X, Y float64
}

// DispatchEvent walks the tree depth-first; a morph that contains the
// point, or is currently being dragged, may consume the event. Returns
// true if some morph consumed it.
//
// Drag state machine per morph:
//
//	Idle --mousedown∈bounds--> Dragging (records grab offset)
//	Dragging --mousemove--> Dragging (updates x,y)
//	Dragging --mouseup--> Idle (emits final position SET)
//
// Any other event while Dragging is ignored unless also in bounds.
func (w *World) DispatchEvent(ev Event) bool {
	w.mu.Lock()
	root, ok := w.morphs[RootID]
	if !ok {
		w.mu.Unlock()
		return false
	}
	// Depth-first, most-recently-added-last ordering means later
	// siblings (drawn on top) are considered first for hit purposes;
	// collect candidates topmost-first.
	var order []*Morph
	w.walkPreOrder(root, func(m *Morph) {
		if m.ID != RootID {
			order = append(order, m)
		}
	})
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	var target *Morph
	for _, m := range order {
		if m.dragging || m.Rect(ev.X, ev.Y) {
			target = m
			break
		}
	}
	if target == nil {
		w.mu.Unlock()
		return false
	}

	switch ev.Kind {
	case MouseDown:
		if target.Rect(ev.X, ev.Y) {
			target.dragging = true
			target.dragDX = ev.X - target.X
			target.dragDY = ev.Y - target.Y
			w.mu.Unlock()
			return true
		}
	case MouseMove:
		if target.dragging {
			target.X = ev.X - target.dragDX
			target.Y = ev.Y - target.dragDY
			w.mu.Unlock()
			return true
		}
	case MouseUp:
		if target.dragging {
			target.dragging = false
			id, x, y := target.ID, target.X, target.Y
			w.mu.Unlock()
			return w.MoveTo(id, x, y) == nil
		}
	case Click:
		if target.Rect(ev.X, ev.Y) {
			w.mu.Unlock()
			return true
		}
	}
	w.mu.Unlock()
	return false
}

// --- Replay sink: interprets WAL SET-line grammar (spec.md §4.C) ---

var (
	positionRe = regexp.MustCompile(`\(([^,]+),([^)]+)\)`)
	sizeRe     = regexp.MustCompile(`\(([^x]+)x([^)]+)\)`)
	colorRe    = regexp.MustCompile(`\[([^,]+),([^,]+),([^,]+)(?:,([^\]]+))?\]`)
)

// ApplySet implements wal.ReplaySink, interpreting one parsed SET line
// against the live morph index. Unknown slots are ignored (forward
// compatibility); malformed values return an error so the WAL engine
// can count them without aborting the surrounding frame.
func (w *World) ApplySet(morphID, slot, value string) error {
	switch slot {
	case "type":
		w.mu.Lock()
		if _, ok := w.morphs[morphID]; !ok {
			m := w.templateFor(value).instantiate(morphID)
			m.PersistedIdentity = true
			root, ok := w.morphs[RootID]
			if ok {
				parent := RootID
				m.Parent = &parent
				root.Children = append(root.Children, morphID)
			}
			w.morphs[morphID] = m
		} else {
			w.morphs[morphID].PersistedIdentity = true
		}
		w.mu.Unlock()
		return nil
	case "position":
		m := positionRe.FindStringSubmatch(value)
		if m == nil {
			return fmt.Errorf("world: malformed position %q", value)
		}
		x, err1 := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		y, err2 := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("world: malformed position %q", value)
		}
		return w.setSlotLocked(morphID, func(mo *Morph) { mo.X, mo.Y = x, y })
	case "size":
		m := sizeRe.FindStringSubmatch(value)
		if m == nil {
			return fmt.Errorf("world: malformed size %q", value)
		}
		width, err1 := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		height, err2 := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("world: malformed size %q", value)
		}
		return w.setSlotLocked(morphID, func(mo *Morph) { mo.Width, mo.Height = width, height })
	case "color":
		m := colorRe.FindStringSubmatch(value)
		if m == nil {
			return fmt.Errorf("world: malformed color %q", value)
		}
		r, e1 := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		g, e2 := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
		b, e3 := strconv.ParseFloat(strings.TrimSpace(m[3]), 64)
		a := 1.0
		var e4 error
		if m[4] != "" {
			a, e4 = strconv.ParseFloat(strings.TrimSpace(m[4]), 64)
		}
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return fmt.Errorf("world: malformed color %q", value)
		}
		return w.setSlotLocked(morphID, func(mo *Morph) { mo.Color = Color{R: r, G: g, B: b, A: a} })
	case "zIndex":
		z, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("world: malformed zIndex %q", value)
		}
		return w.setSlotLocked(morphID, func(mo *Morph) { mo.ZIndex = z })
	case "text":
		return w.setSlotLocked(morphID, func(mo *Morph) { mo.Text = value })
	default:
		// Unknown slot names are ignored for forward compatibility, but
		// still reported so the caller can count the skip.
		return fmt.Errorf("world: unknown slot %q", slot)
	}
}

func (w *World) setSlotLocked(morphID string, mutate func(*Morph)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.morphs[morphID]
	if !ok {
		return ErrNoSuchMorph
	}
	mutate(m)
	m.PersistedIdentity = true
	return nil
}

// Snapshot returns every morph in the arena (the root included, and
// any morph detached by RemoveSubmorph), sorted by id, for diagnostics
// and textual/JSON export commands.
func (w *World) Snapshot() []Morph {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Morph, 0, len(w.morphs))
	for _, m := range w.morphs {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
