// Package xref resolves the relation graph around any recorded entity.
// Resolution is pure read composition over the store: given an entity type
// and identity it returns related entity references grouped by relation
// kind, never mutating anything. An entity with no relations resolves to
// an empty graph, not an error.
package xref

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
)

// EntityType names a resolvable record family.
type EntityType string

const (
	EntityEntry     EntityType = "entry"
	EntityTool      EntityType = "tool_invocation"
	EntitySkill     EntityType = "skill_invocation"
	EntityAssertion EntityType = "assertion"
	EntityChain     EntityType = "chain"
)

// RelationKind labels one edge family in a resolved graph.
type RelationKind string

const (
	// Transcript adjacency within one (execution, instance) scope.
	RelPrevEntry RelationKind = "prev_entry"
	RelNextEntry RelationKind = "next_entry"

	// The entry that announced a record, and the record an entry announced.
	RelAnnouncingEntry RelationKind = "announcing_entry"
	RelAnnouncedRecord RelationKind = "announced_record"

	// Containment and nesting.
	RelContainingSkill  RelationKind = "containing_skill"
	RelContainedTools   RelationKind = "contained_tools"
	RelParentInvocation RelationKind = "parent_invocation"
	RelChildInvocations RelationKind = "child_invocations"
	RelParentSkill      RelationKind = "parent_skill"
	RelChildSkills      RelationKind = "child_skills"

	// Assertion structure.
	RelChain            RelationKind = "chain"
	RelChainMembers     RelationKind = "chain_members"
	RelPrevMember       RelationKind = "prev_member"
	RelNextMember       RelationKind = "next_member"
	RelEvidenceFor      RelationKind = "evidence_assertions"
	RelEvidenceTool     RelationKind = "evidence_tool"
	RelWindowEntries    RelationKind = "window_entries"
	RelWindowAssertions RelationKind = "window_assertions"
)

// ErrInvalidEntityType is returned for an unrecognized entity type.
var ErrInvalidEntityType = errors.New("invalid entity type")

// Reference identifies one related entity.
type Reference struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// Graph is the resolved relation set around one entity.
type Graph struct {
	Type      EntityType                   `json:"type"`
	ID        string                       `json:"id"`
	Relations map[RelationKind][]Reference `json:"relations"`
}

func (g *Graph) add(kind RelationKind, refs ...Reference) {
	if len(refs) == 0 {
		return
	}
	g.Relations[kind] = append(g.Relations[kind], refs...)
}

// defaultCheckWindow bounds how far around an assertion's timestamp the
// resolver looks for same-task transcript entries.
const defaultCheckWindow = 5 * time.Second

// Resolver composes relation lookups over the store.
type Resolver struct {
	store       *store.Store
	logger      *slog.Logger
	checkWindow time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCheckWindow overrides the assertion check window.
func WithCheckWindow(w time.Duration) Option {
	return func(r *Resolver) {
		r.checkWindow = w
	}
}

// NewResolver creates a resolver reading from the given store.
func NewResolver(s *store.Store, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{store: s, logger: logger, checkWindow: defaultCheckWindow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the relation graph around the entity. The root entity
// not existing yields store.ErrNotFound; an unknown type yields
// ErrInvalidEntityType.
func (r *Resolver) Resolve(ctx context.Context, entityType EntityType, id string) (Graph, error) {
	g := Graph{Type: entityType, ID: id, Relations: make(map[RelationKind][]Reference)}

	var err error
	switch entityType {
	case EntityEntry:
		err = r.resolveEntry(ctx, id, &g)
	case EntityTool:
		err = r.resolveTool(ctx, id, &g)
	case EntitySkill:
		err = r.resolveSkill(ctx, id, &g)
	case EntityAssertion:
		err = r.resolveAssertion(ctx, id, &g)
	case EntityChain:
		err = r.resolveChain(ctx, id, &g)
	default:
		return Graph{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}
	if err != nil {
		return Graph{}, err
	}
	return g, nil
}

func (r *Resolver) resolveEntry(ctx context.Context, id string, g *Graph) error {
	entry, err := r.store.GetEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve entry: %w", err)
	}

	if prev, err := r.store.AdjacentEntry(ctx, entry, -1); err == nil {
		g.add(RelPrevEntry, Reference{Type: EntityEntry, ID: prev.ID})
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve entry neighbors: %w", err)
	}
	if next, err := r.store.AdjacentEntry(ctx, entry, 1); err == nil {
		g.add(RelNextEntry, Reference{Type: EntityEntry, ID: next.ID})
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve entry neighbors: %w", err)
	}

	// The announced child record is carried in the detail payload.
	switch detail := entry.Detail.(type) {
	case *record.ToolUseDetail:
		g.add(RelAnnouncedRecord, Reference{Type: EntityTool, ID: detail.InvocationID})
	case *record.SkillDetail:
		g.add(RelAnnouncedRecord, Reference{Type: EntitySkill, ID: detail.SkillInvocationID})
	case *record.AssertionDetail:
		g.add(RelAnnouncedRecord, Reference{Type: EntityAssertion, ID: detail.AssertionID})
	}
	return nil
}

func (r *Resolver) resolveTool(ctx context.Context, id string, g *Graph) error {
	inv, err := r.store.GetToolInvocation(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve tool invocation: %w", err)
	}

	if inv.EntryID != "" {
		g.add(RelAnnouncingEntry, Reference{Type: EntityEntry, ID: inv.EntryID})
	}
	if inv.SkillID != "" {
		g.add(RelContainingSkill, Reference{Type: EntitySkill, ID: inv.SkillID})
	}
	if inv.ParentID != "" {
		g.add(RelParentInvocation, Reference{Type: EntityTool, ID: inv.ParentID})
	}

	children, err := r.store.ChildToolInvocations(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve tool children: %w", err)
	}
	for _, child := range children {
		g.add(RelChildInvocations, Reference{Type: EntityTool, ID: child.ID})
	}

	evidence, err := r.store.AssertionsReferencingTool(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve tool evidence: %w", err)
	}
	for _, a := range evidence {
		g.add(RelEvidenceFor, Reference{Type: EntityAssertion, ID: a.ID})
	}
	return nil
}

func (r *Resolver) resolveSkill(ctx context.Context, id string, g *Graph) error {
	sk, err := r.store.GetSkillInvocation(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve skill invocation: %w", err)
	}

	if entry, err := r.store.SkillAnnouncement(ctx, id); err == nil {
		g.add(RelAnnouncingEntry, Reference{Type: EntityEntry, ID: entry.ID})
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve skill announcement: %w", err)
	}

	for _, toolID := range sk.ToolInvocationIDs {
		g.add(RelContainedTools, Reference{Type: EntityTool, ID: toolID})
	}
	if sk.ParentID != "" {
		g.add(RelParentSkill, Reference{Type: EntitySkill, ID: sk.ParentID})
	}

	children, err := r.store.ChildSkillInvocations(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve skill children: %w", err)
	}
	for _, child := range children {
		g.add(RelChildSkills, Reference{Type: EntitySkill, ID: child.ID})
	}

	// Assertions recorded for the same task while the skill was running.
	startNs := sk.StartTime.UnixNano()
	endNs := int64(math.MaxInt64)
	if !sk.EndTime.IsZero() {
		endNs = sk.EndTime.UnixNano()
	}
	assertions, err := r.store.AssertionsInWindow(ctx, sk.ExecutionID, sk.TaskID, startNs, endNs)
	if err != nil {
		return fmt.Errorf("resolve skill window: %w", err)
	}
	for _, a := range assertions {
		g.add(RelWindowAssertions, Reference{Type: EntityAssertion, ID: a.ID})
	}
	return nil
}

func (r *Resolver) resolveAssertion(ctx context.Context, id string, g *Graph) error {
	a, err := r.store.GetAssertion(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve assertion: %w", err)
	}

	if entry, err := r.store.AssertionAnnouncement(ctx, id); err == nil {
		g.add(RelAnnouncingEntry, Reference{Type: EntityEntry, ID: entry.ID})
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve assertion announcement: %w", err)
	}
	if a.Evidence.ToolInvocationID != "" {
		g.add(RelEvidenceTool, Reference{Type: EntityTool, ID: a.Evidence.ToolInvocationID})
	}

	if a.ChainID != "" {
		g.add(RelChain, Reference{Type: EntityChain, ID: a.ChainID})
		members, err := r.store.ChainMembers(ctx, a.ChainID)
		if err != nil {
			return fmt.Errorf("resolve chain siblings: %w", err)
		}
		for i, m := range members {
			if m.ID != a.ID {
				continue
			}
			if i > 0 {
				g.add(RelPrevMember, Reference{Type: EntityAssertion, ID: members[i-1].ID})
			}
			if i < len(members)-1 {
				g.add(RelNextMember, Reference{Type: EntityAssertion, ID: members[i+1].ID})
			}
			break
		}
	}

	// Same-task transcript entries around the check.
	startNs := a.Timestamp.Add(-r.checkWindow).UnixNano()
	endNs := a.Timestamp.Add(r.checkWindow).UnixNano()
	entries, err := r.store.EntriesInWindow(ctx, a.ExecutionID, a.TaskID, startNs, endNs)
	if err != nil {
		return fmt.Errorf("resolve check window: %w", err)
	}
	for _, e := range entries {
		g.add(RelWindowEntries, Reference{Type: EntityEntry, ID: e.ID})
	}
	return nil
}

func (r *Resolver) resolveChain(ctx context.Context, id string, g *Graph) error {
	if _, err := r.store.GetChain(ctx, id); err != nil {
		return fmt.Errorf("resolve chain: %w", err)
	}

	members, err := r.store.ChainMembers(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve chain members: %w", err)
	}
	for _, m := range members {
		g.add(RelChainMembers, Reference{Type: EntityAssertion, ID: m.ID})
	}
	return nil
}
