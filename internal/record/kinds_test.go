package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryKindHasExactlyOneCategory(t *testing.T) {
	for _, kind := range Kinds() {
		cat, err := CategoryFor(kind)
		require.NoError(t, err, "kind %s", kind)
		assert.NotEmpty(t, cat, "kind %s", kind)
	}
}

func TestCategoryFor_UnknownKind(t *testing.T) {
	_, err := CategoryFor(EntryKind("free text"))
	assert.Error(t, err)
	assert.False(t, ValidKind(EntryKind("free text")))
}

func TestKindCategoryMapping(t *testing.T) {
	tests := []struct {
		kind EntryKind
		want EntryCategory
	}{
		{KindPhaseStart, CategoryLifecycle},
		{KindTaskEnd, CategoryLifecycle},
		{KindToolUse, CategoryAction},
		{KindSkillInvoke, CategoryAction},
		{KindError, CategoryAction},
		{KindValidation, CategoryValidation},
		{KindAssertion, CategoryValidation},
		{KindDecision, CategoryKnowledge},
		{KindDiscovery, CategoryKnowledge},
		{KindCheckpoint, CategoryCoordination},
		{KindLockAcquire, CategoryCoordination},
		{KindLockRelease, CategoryCoordination},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			cat, err := CategoryFor(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cat)
		})
	}
}

func TestToolOutcome_Terminal(t *testing.T) {
	assert.False(t, OutcomePending.Terminal())
	assert.True(t, OutcomeSucceeded.Terminal())
	assert.True(t, OutcomeErrored.Terminal())
	assert.True(t, OutcomeBlocked.Terminal())
}

func TestValidToolCategory(t *testing.T) {
	for _, c := range []ToolCategory{ToolFileRead, ToolFileWrite, ToolShell, ToolBrowser, ToolNetwork, ToolAgent, ToolCustom} {
		assert.True(t, ValidToolCategory(c), "category %s", c)
	}
	assert.False(t, ValidToolCategory(ToolCategory("gui")))
	assert.False(t, ValidToolCategory(ToolCategory("")))
}

func TestEntryValidate(t *testing.T) {
	valid := TranscriptEntry{
		Kind:     KindToolUse,
		Category: CategoryAction,
		Seq:      1,
		Detail:   &ToolUseDetail{InvocationID: "inv-1", ToolName: "shell", ToolCategory: ToolShell},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*TranscriptEntry)
	}{
		{"unknown kind", func(e *TranscriptEntry) { e.Kind = "made_up" }},
		{"wrong category", func(e *TranscriptEntry) { e.Category = CategoryLifecycle }},
		{"mismatched detail", func(e *TranscriptEntry) { e.Detail = &PhaseDetail{Phase: "build"} }},
		{"zero seq", func(e *TranscriptEntry) { e.Seq = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}
