package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/graph"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// graphValidator rejects definitions whose dependency graph is invalid.
type graphValidator struct{}

func (graphValidator) ValidateDefinition(_ context.Context, def *schema.PlaybookDefinition) error {
	return graph.Validate(def.Steps)
}

func newTestCatalog(t *testing.T) (*Catalog, *memStore, *streaming.MemoryHub) {
	t.Helper()
	st := newMemStore()
	hub := streaming.NewMemoryHub(16)
	return NewCatalog(st, graphValidator{}, hub, logging.Discard()), st, hub
}

func draftDef(id string, steps ...schema.StepDefinition) *schema.PlaybookDefinition {
	return &schema.PlaybookDefinition{ID: id, Name: id, Steps: steps}
}

func TestCatalog_DefineAssignsVersions(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	ctx := context.Background()

	v1, err := c.Define(ctx, draftDef("renewal", step("a")))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, schema.PlaybookStatusDraft, v1.Status)

	in := draftDef("renewal", step("a"), step("b", "a"))
	in.Version = 42
	in.Status = schema.PlaybookStatusActive
	in.Digest = "forged"
	v2, err := c.Define(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, schema.PlaybookStatusDraft, v2.Status)
	assert.Empty(t, v2.Digest)
}

func TestCatalog_DefineRequiresID(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	_, err := c.Define(context.Background(), draftDef(""))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCatalog_ActivateSealsAndArchivesPrevious(t *testing.T) {
	c, st, hub := newTestCatalog(t)
	ctx := context.Background()
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{PlaybookID: "renewal"})
	require.NoError(t, err)
	defer unsubscribe()

	v1, err := c.DefineAndActivate(ctx, draftDef("renewal", step("a")))
	require.NoError(t, err)
	assert.Equal(t, schema.PlaybookStatusActive, v1.Status)
	assert.NotEmpty(t, v1.Digest)
	assert.NoError(t, v1.VerifyDigest())

	v2, err := c.DefineAndActivate(ctx, draftDef("renewal", step("a"), step("b", "a")))
	require.NoError(t, err)

	active, err := c.Get(ctx, "renewal", 0)
	require.NoError(t, err)
	assert.Equal(t, v2.Version, active.Version)

	old, err := st.GetPlaybook(ctx, "renewal", 1)
	require.NoError(t, err)
	assert.Equal(t, schema.PlaybookStatusArchived, old.Status)

	select {
	case ev := <-events:
		assert.Equal(t, schema.EventPlaybookActivated, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("no activation event")
	}
}

func TestCatalog_ActivateRejectsInvalidDefinition(t *testing.T) {
	c, st, _ := newTestCatalog(t)
	ctx := context.Background()

	draft, err := c.Define(ctx, draftDef("renewal", step("a", "a")))
	require.NoError(t, err)

	_, err = c.Activate(ctx, "renewal", draft.Version)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCyclicDependency))

	stored, err := st.GetPlaybook(ctx, "renewal", draft.Version)
	require.NoError(t, err)
	assert.Equal(t, schema.PlaybookStatusDraft, stored.Status, "rejected definition stays draft")
}

func TestCatalog_ActivateOnlyDrafts(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	ctx := context.Background()

	v1, err := c.DefineAndActivate(ctx, draftDef("renewal", step("a")))
	require.NoError(t, err)

	_, err = c.Activate(ctx, "renewal", v1.Version)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	require.NoError(t, c.Archive(ctx, "renewal", v1.Version))
	_, err = c.Activate(ctx, "renewal", v1.Version)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	_, err = c.Get(ctx, "renewal", 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestCatalog_List(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.DefineAndActivate(ctx, draftDef("renewal", step("a")))
	require.NoError(t, err)
	_, err = c.Define(ctx, draftDef("renewal", step("a")))
	require.NoError(t, err)
	_, err = c.Define(ctx, draftDef("onboarding", step("a")))
	require.NoError(t, err)

	all, err := c.List(ctx, store.PlaybookFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := c.List(ctx, store.PlaybookFilter{Status: schema.PlaybookStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "renewal", active[0].ID)
}
