package xref

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/internal/assertion"
	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
	"github.com/runledger/runledger/internal/testutil"
	"github.com/runledger/runledger/internal/tooltrace"
	"github.com/runledger/runledger/internal/transcript"
)

func testLogger() *slog.Logger {
	return testutil.Logger()
}

type fixture struct {
	store    *store.Store
	log      *transcript.Log
	tracker  *tooltrace.Tracker
	tracer   *tooltrace.Tracer
	eval     *assertion.Evaluator
	resolver *Resolver
}

// newFixture wires the full recording stack over one store with a ticking
// clock, so every timestamp is distinct and window queries are exact.
func newFixture(t *testing.T) fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := record.ExecutionRun{ID: "run1", Status: record.RunRunning, StartTime: time.Now()}
	require.NoError(t, s.StartRun(context.Background(), run))

	clock := testutil.NewTickingClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), time.Second)
	now := clock.Now
	log := transcript.NewLog(s, testLogger(), transcript.WithNow(now))

	return fixture{
		store:    s,
		log:      log,
		tracker:  tooltrace.NewTracker(s, log, testLogger(), tooltrace.WithNow(now)),
		tracer:   tooltrace.NewTracer(s, log, testLogger(), tooltrace.WithTracerNow(now)),
		eval:     assertion.NewEvaluator(s, log, testLogger(), assertion.WithNow(now)),
		resolver: NewResolver(s, testLogger()),
	}
}

func scope() assertion.Scope {
	return assertion.Scope{ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1"}
}

func (fx fixture) startTool(t *testing.T, skillID string) record.ToolInvocation {
	t.Helper()
	inv, err := fx.tracker.StartTool(context.Background(), tooltrace.StartToolParams{
		ExecutionID: "run1",
		InstanceID:  "agent-a",
		TaskID:      "task-1",
		ToolName:    "bash",
		Category:    record.ToolShell,
		Input:       &record.ShellInput{Command: "make build"},
		SkillID:     skillID,
	})
	require.NoError(t, err)
	return inv
}

func singleRef(t *testing.T, g Graph, kind RelationKind) Reference {
	t.Helper()
	refs := g.Relations[kind]
	require.Len(t, refs, 1, "relation %s", kind)
	return refs[0]
}

func TestResolve_InvalidEntityType(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.resolver.Resolve(context.Background(), "wormhole", "id")
	assert.ErrorIs(t, err, ErrInvalidEntityType)
}

func TestResolve_UnknownID(t *testing.T) {
	fx := newFixture(t)

	for _, typ := range []EntityType{EntityEntry, EntityTool, EntitySkill, EntityAssertion, EntityChain} {
		_, err := fx.resolver.Resolve(context.Background(), typ, "no-such-id")
		assert.ErrorIs(t, err, store.ErrNotFound, "type %s", typ)
	}
}

func TestResolve_EntryAdjacencyAndAnnouncedRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.log.Append(ctx, transcript.AppendParams{
		ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1",
		Kind:    record.KindDecision,
		Summary: "choose migration order",
		Detail:  &record.DecisionDetail{Decision: "schema first"},
	})
	require.NoError(t, err)

	inv := fx.startTool(t, "")

	last, err := fx.log.Append(ctx, transcript.AppendParams{
		ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1",
		Kind:    record.KindDecision,
		Summary: "proceed to verification",
		Detail:  &record.DecisionDetail{Decision: "verify"},
	})
	require.NoError(t, err)

	g, err := fx.resolver.Resolve(ctx, EntityEntry, inv.EntryID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, singleRef(t, g, RelPrevEntry).ID)
	assert.Equal(t, last.ID, singleRef(t, g, RelNextEntry).ID)

	announced := singleRef(t, g, RelAnnouncedRecord)
	assert.Equal(t, EntityTool, announced.Type)
	assert.Equal(t, inv.ID, announced.ID)
}

func TestResolve_EntryWithNoRelations(t *testing.T) {
	fx := newFixture(t)

	entry, err := fx.log.Append(context.Background(), transcript.AppendParams{
		ExecutionID: "run1", InstanceID: "agent-a",
		Kind:    record.KindDecision,
		Summary: "lone entry",
		Detail:  &record.DecisionDetail{Decision: "none"},
	})
	require.NoError(t, err)

	g, err := fx.resolver.Resolve(context.Background(), EntityEntry, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, g.Relations, "no neighbors, nothing announced")
}

func TestResolve_ToolInvocation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sk, err := fx.tracer.StartSkill(ctx, tooltrace.StartSkillParams{
		ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1",
		SkillName: "release",
	})
	require.NoError(t, err)

	inv := fx.startTool(t, sk.ID)
	_, err = fx.tracker.EndTool(ctx, inv.ID, &record.ShellOutput{ExitCode: 0}, "")
	require.NoError(t, err)

	// An assertion whose evidence carries the explicit invocation reference.
	p := assertion.CheckParams{
		Scope:            scope(),
		Category:         record.AssertCustom,
		Description:      "build artifact checked",
		ToolInvocationID: inv.ID,
	}
	a, err := fx.eval.Warn(ctx, p, "artifact smaller than last release")
	require.NoError(t, err)

	g, err := fx.resolver.Resolve(ctx, EntityTool, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.EntryID, singleRef(t, g, RelAnnouncingEntry).ID)
	assert.Equal(t, sk.ID, singleRef(t, g, RelContainingSkill).ID)
	assert.Equal(t, a.ID, singleRef(t, g, RelEvidenceFor).ID)
	assert.Empty(t, g.Relations[RelParentInvocation])
}

func TestResolve_ToolInvocation_Nesting(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent := fx.startTool(t, "")
	child, err := fx.tracker.StartTool(ctx, tooltrace.StartToolParams{
		ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1",
		ToolName: "task-agent",
		Category: record.ToolAgent,
		Input:    &record.AgentInput{Agent: "reviewer", Request: "check diff"},
		ParentID: parent.ID,
	})
	require.NoError(t, err)

	g, err := fx.resolver.Resolve(ctx, EntityTool, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, singleRef(t, g, RelChildInvocations).ID)

	cg, err := fx.resolver.Resolve(ctx, EntityTool, child.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, singleRef(t, cg, RelParentInvocation).ID)
}

func TestResolve_SkillInvocation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sk, err := fx.tracer.StartSkill(ctx, tooltrace.StartSkillParams{
		ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1",
		SkillName: "migrate-db",
	})
	require.NoError(t, err)

	child, err := fx.tracer.StartSkill(ctx, tooltrace.StartSkillParams{
		ExecutionID: "run1", InstanceID: "agent-a", TaskID: "task-1",
		SkillName: "run-tests",
		ParentID:  sk.ID,
	})
	require.NoError(t, err)

	first := fx.startTool(t, sk.ID)
	second := fx.startTool(t, sk.ID)

	// Recorded while the skill is still running, so it falls in the window.
	a, err := fx.eval.Warn(ctx, assertion.CheckParams{
		Scope:       scope(),
		Category:    record.AssertCustom,
		Description: "row counts match",
	}, "checked mid-migration")
	require.NoError(t, err)

	g, err := fx.resolver.Resolve(ctx, EntitySkill, sk.ID)
	require.NoError(t, err)

	var toolRefs []string
	for _, ref := range g.Relations[RelContainedTools] {
		toolRefs = append(toolRefs, ref.ID)
	}
	assert.Equal(t, []string{first.ID, second.ID}, toolRefs, "link order preserved")
	assert.Equal(t, child.ID, singleRef(t, g, RelChildSkills).ID)
	assert.Equal(t, a.ID, singleRef(t, g, RelWindowAssertions).ID)

	announcing := singleRef(t, g, RelAnnouncingEntry)
	entry, err := fx.store.GetEntry(ctx, announcing.ID)
	require.NoError(t, err)
	assert.Equal(t, record.KindSkillInvoke, entry.Kind)

	cg, err := fx.resolver.Resolve(ctx, EntitySkill, child.ID)
	require.NoError(t, err)
	assert.Equal(t, sk.ID, singleRef(t, cg, RelParentSkill).ID)
}

func TestResolve_Assertion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	chain, err := fx.eval.StartChain(ctx, scope(), "post-task validation")
	require.NoError(t, err)

	var members []record.AssertionRecord
	for _, desc := range []string{"first", "second", "third"} {
		a, err := fx.eval.Warn(ctx, assertion.CheckParams{
			Scope:       scope(),
			ChainID:     chain.ID,
			Category:    record.AssertCustom,
			Description: desc,
		}, "noted")
		require.NoError(t, err)
		members = append(members, a)
	}

	g, err := fx.resolver.Resolve(ctx, EntityAssertion, members[1].ID)
	require.NoError(t, err)
	assert.Equal(t, chain.ID, singleRef(t, g, RelChain).ID)
	assert.Equal(t, members[0].ID, singleRef(t, g, RelPrevMember).ID)
	assert.Equal(t, members[2].ID, singleRef(t, g, RelNextMember).ID)

	announcing := singleRef(t, g, RelAnnouncingEntry)
	entry, err := fx.store.GetEntry(ctx, announcing.ID)
	require.NoError(t, err)
	assert.Equal(t, record.KindAssertion, entry.Kind)

	assert.NotEmpty(t, g.Relations[RelWindowEntries], "same-task entries near the check")
}

func TestResolve_AssertionChainEnds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	chain, err := fx.eval.StartChain(ctx, scope(), "validation")
	require.NoError(t, err)
	only, err := fx.eval.Warn(ctx, assertion.CheckParams{
		Scope:       scope(),
		ChainID:     chain.ID,
		Category:    record.AssertCustom,
		Description: "single member",
	}, "noted")
	require.NoError(t, err)

	g, err := fx.resolver.Resolve(ctx, EntityAssertion, only.ID)
	require.NoError(t, err)
	assert.Empty(t, g.Relations[RelPrevMember])
	assert.Empty(t, g.Relations[RelNextMember])
}

func TestResolve_Chain(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	chain, err := fx.eval.StartChain(ctx, scope(), "validation")
	require.NoError(t, err)
	var want []string
	for _, desc := range []string{"a", "b"} {
		a, err := fx.eval.Warn(ctx, assertion.CheckParams{
			Scope:       scope(),
			ChainID:     chain.ID,
			Category:    record.AssertCustom,
			Description: desc,
		}, "noted")
		require.NoError(t, err)
		want = append(want, a.ID)
	}

	g, err := fx.resolver.Resolve(ctx, EntityChain, chain.ID)
	require.NoError(t, err)
	var got []string
	for _, ref := range g.Relations[RelChainMembers] {
		got = append(got, ref.ID)
	}
	assert.Equal(t, want, got, "members in position order")
}
