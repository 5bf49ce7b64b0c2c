// Package hrq implements the Hierarchical Rate Quoter: a tree of Resources
// each with an effective MaxUnitsPerSecond clamped by its parent, scheduled
// with hierarchical deficit round robin so the active children of a
// resource share its tokens in proportion to their weights.
package hrq

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TicksPerSecond is the scheduling frequency: every tick the root mints
// one quantum and each active resource distributes the tokens it holds.
const TicksPerSecond = 10

// TickPeriod is the wall-clock length of one tick.
const TickPeriod = time.Second / TicksPerSecond

// BurstCoefficient is fixed at 0: an idle resource accumulates nothing, so
// a newly active session starts from its fair rate rather than a saved-up
// burst. Making this configurable is a future extension.
const BurstCoefficient = 0

// NextTick returns the first tick boundary strictly after now. Aligning
// every processor to shared boundaries keeps "one tick's worth" meaning
// the same thing tree-wide regardless of when a session became active.
func NextTick(now time.Time) time.Time {
	tickUs := TickPeriod.Microseconds()
	return time.UnixMicro((now.UnixMicro()/tickUs + 1) * tickUs)
}

// Resource is one node of the rate-limiting tree, keyed by its canonical
// path. Properties not explicitly set are inherited (and clamped) from the
// parent when the resource is created.
type Resource struct {
	Path     string
	Parent   *Resource
	Children map[string]*Resource

	MaxUnitsPerSecond   float64
	PrefetchCoefficient float64
	PrefetchWatermark   float64
	Weight              float64

	ResourceTickQuantum float64
	Burst               float64
	FreeResource        float64

	Active               bool
	ActiveChildren       []*Resource // round-robin ring, ordered slice
	ActiveChildrenWeight float64

	Accounting *RateAccounting

	// leafSessions holds the Session leaves attached directly to this
	// resource (a resource may have both child resources and sessions).
	leafSessions []*Session
}

// Epsilon is the float-equality tolerance for this resource's token math,
// scaled to its quantum so a high-rate resource doesn't thrash on
// rounding noise a low-rate one would never see.
func (r *Resource) Epsilon() float64 {
	return r.ResourceTickQuantum * 1e-6
}

const pathAllowedChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-:#"

// CanonicalizePath splits path on '/', drops empty components (leading,
// trailing and doubled slashes), validates each component's character set
// and re-joins without a leading slash.
func CanonicalizePath(path string) (string, error) {
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		for _, c := range p {
			if !strings.ContainsRune(pathAllowedChars, c) {
				return "", errors.Errorf("invalid character %q in resource path component %q", c, p)
			}
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/"), nil
}

// Tree owns the Resource hierarchy rooted at "" and resolves paths to
// nodes, creating intermediate resources on demand with inherited
// properties.
type Tree struct {
	root *Resource
}

func NewTree(rootMaxUnitsPerSecond float64) *Tree {
	root := &Resource{
		Path:                "",
		Children:            make(map[string]*Resource),
		MaxUnitsPerSecond:   rootMaxUnitsPerSecond,
		PrefetchCoefficient: 1.0,
		PrefetchWatermark:   0.25,
		Weight:              1,
	}
	root.ResourceTickQuantum = root.MaxUnitsPerSecond / TicksPerSecond
	root.Burst = root.ResourceTickQuantum * BurstCoefficient
	return &Tree{root: root}
}

func (t *Tree) Root() *Resource { return t.root }

// EnsurePath walks path from the root, creating any missing Resource along
// the way with properties inherited from its immediate parent, then applies
// overrides to the final node. Invalid paths and invalid override values
// are rejected before anything is created or applied.
func (t *Tree) EnsurePath(path string, overrides ResourceOverrides) (*Resource, error) {
	canonical, err := CanonicalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := overrides.validate(); err != nil {
		return nil, err
	}
	if canonical == "" {
		return t.root, nil
	}
	cur := t.root
	var built strings.Builder
	for _, seg := range strings.Split(canonical, "/") {
		if built.Len() > 0 {
			built.WriteByte('/')
		}
		built.WriteString(seg)
		key := built.String()
		child, ok := cur.Children[key]
		if !ok {
			child = newChildResource(cur, key)
			cur.Children[key] = child
		}
		cur = child
	}
	overrides.apply(cur)
	return cur, nil
}

// ResourceOverrides carries caller-supplied (non-inherited) properties for
// EnsurePath; nil fields mean "keep the inherited default."
type ResourceOverrides struct {
	MaxUnitsPerSecond   *float64
	PrefetchCoefficient *float64
	PrefetchWatermark   *float64
	Weight              *float64
}

func (o ResourceOverrides) validate() error {
	check := func(name string, v *float64) error {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return errors.Errorf("%s must be finite", name)
		}
		return nil
	}
	for name, v := range map[string]*float64{
		"max_units_per_second": o.MaxUnitsPerSecond,
		"prefetch_coefficient": o.PrefetchCoefficient,
		"prefetch_watermark":   o.PrefetchWatermark,
		"weight":               o.Weight,
	} {
		if err := check(name, v); err != nil {
			return err
		}
	}
	if o.MaxUnitsPerSecond != nil && *o.MaxUnitsPerSecond < 0 {
		return errors.New("max_units_per_second must not be negative")
	}
	if o.PrefetchWatermark != nil && (*o.PrefetchWatermark < 0 || *o.PrefetchWatermark > 1) {
		return errors.New("prefetch_watermark must be within [0, 1]")
	}
	if o.Weight != nil && *o.Weight < 1 {
		return errors.New("weight must be at least 1")
	}
	return nil
}

func (o ResourceOverrides) apply(r *Resource) {
	if o.MaxUnitsPerSecond != nil {
		r.MaxUnitsPerSecond = clampMax(*o.MaxUnitsPerSecond, r.Parent.MaxUnitsPerSecond)
		r.ResourceTickQuantum = r.MaxUnitsPerSecond / TicksPerSecond
		r.Burst = r.ResourceTickQuantum * BurstCoefficient
	}
	if o.PrefetchCoefficient != nil {
		r.PrefetchCoefficient = *o.PrefetchCoefficient
	}
	if o.PrefetchWatermark != nil {
		r.PrefetchWatermark = *o.PrefetchWatermark
	}
	if o.Weight != nil {
		r.Weight = *o.Weight
	}
}

func clampMax(requested, parentMax float64) float64 {
	if requested > parentMax {
		return parentMax
	}
	return requested
}

func newChildResource(parent *Resource, path string) *Resource {
	r := &Resource{
		Path:                path,
		Parent:              parent,
		Children:            make(map[string]*Resource),
		MaxUnitsPerSecond:   parent.MaxUnitsPerSecond,
		PrefetchCoefficient: parent.PrefetchCoefficient,
		PrefetchWatermark:   parent.PrefetchWatermark,
		Weight:              1,
	}
	r.ResourceTickQuantum = r.MaxUnitsPerSecond / TicksPerSecond
	r.Burst = r.ResourceTickQuantum * BurstCoefficient
	return r
}

// capFreeResource bounds what a node may carry between ticks: one quantum
// while it still has active children to feed, Burst once it does not.
func (r *Resource) capFreeResource() {
	limit := r.Burst
	if len(r.ActiveChildren) > 0 {
		limit = r.ResourceTickQuantum
	}
	if r.FreeResource > limit {
		r.FreeResource = limit
	}
}

func (r *Resource) addActiveChild(c *Resource) {
	for _, existing := range r.ActiveChildren {
		if existing == c {
			return
		}
	}
	r.ActiveChildren = append(r.ActiveChildren, c)
	r.ActiveChildrenWeight += c.Weight
	r.Active = true
}

func (r *Resource) removeActiveChild(c *Resource) {
	for i, existing := range r.ActiveChildren {
		if existing == c {
			r.ActiveChildren = append(r.ActiveChildren[:i], r.ActiveChildren[i+1:]...)
			r.ActiveChildrenWeight -= c.Weight
			break
		}
	}
	// A node stays active only while something below it still wants
	// tokens; once the ring and its own sessions are quiet it goes
	// inactive, which is what lets it drop out of the tick queue.
	if len(r.ActiveChildren) == 0 && !r.hasActiveSessions() {
		r.Active = false
	}
}

func (r *Resource) hasActiveSessions() bool {
	for _, sess := range r.leafSessions {
		if sess.Active {
			return true
		}
	}
	return false
}
