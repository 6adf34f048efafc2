package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// DefinitionValidator runs the activation-time checks on a definition.
// Satisfied by *validation.PlaybookValidator.
type DefinitionValidator interface {
	ValidateDefinition(ctx context.Context, def *schema.PlaybookDefinition) error
}

// Catalog manages the lifecycle of playbook versions:
// draft -> active -> archived, or draft -> archived.
// Active versions are immutable; changes are defined as a new version.
type Catalog struct {
	defs      store.DefinitionStore
	validator DefinitionValidator
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewCatalog creates a Catalog. hub may be nil.
func NewCatalog(defs store.DefinitionStore, validator DefinitionValidator, hub streaming.EventHub, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{defs: defs, validator: validator, hub: hub, logger: logger}
}

// Define stores def as a new draft version (latest + 1) and returns the stored copy.
func (c *Catalog) Define(ctx context.Context, def *schema.PlaybookDefinition) (*schema.PlaybookDefinition, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook id is required")
	}

	latest, err := c.defs.LatestVersion(ctx, def.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read latest version of %q", def.ID).WithCause(err)
	}

	draft := *def
	draft.Version = latest + 1
	draft.Status = schema.PlaybookStatusDraft
	draft.Digest = ""
	draft.CreatedAt = time.Time{}
	if err := c.defs.CreatePlaybook(ctx, &draft); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "playbook defined",
		slog.String("playbook_id", draft.ID), slog.Int("version", draft.Version), slog.Int("steps", len(draft.Steps)))
	return &draft, nil
}

// Activate validates a draft version and makes it the active one, archiving
// the previously active version. A definition that fails validation stays
// draft and the first validation error is returned.
func (c *Catalog) Activate(ctx context.Context, id string, version int) (*schema.PlaybookDefinition, error) {
	def, err := c.defs.GetPlaybook(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if def.Status != schema.PlaybookStatusDraft {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"playbook %q version %d is %s; only drafts can be activated", id, version, def.Status)
	}

	if c.validator != nil {
		if err := c.validator.ValidateDefinition(ctx, def); err != nil {
			c.logger.WarnContext(ctx, "playbook activation rejected",
				slog.String("playbook_id", id), slog.Int("version", version), slog.String("code", schema.CodeOf(err)))
			return nil, err
		}
	}

	digest, err := def.ComputeDigest()
	if err != nil {
		return nil, err
	}
	if err := c.defs.ActivatePlaybook(ctx, id, version, digest); err != nil {
		return nil, err
	}

	def.Status = schema.PlaybookStatusActive
	def.Digest = digest
	c.publish(ctx, def, schema.EventPlaybookActivated)
	c.logger.InfoContext(ctx, "playbook activated",
		slog.String("playbook_id", id), slog.Int("version", version), slog.String("digest", digest))
	return def, nil
}

// DefineAndActivate is Define followed by Activate.
func (c *Catalog) DefineAndActivate(ctx context.Context, def *schema.PlaybookDefinition) (*schema.PlaybookDefinition, error) {
	draft, err := c.Define(ctx, def)
	if err != nil {
		return nil, err
	}
	return c.Activate(ctx, draft.ID, draft.Version)
}

// Archive retires a version. Archived is terminal.
func (c *Catalog) Archive(ctx context.Context, id string, version int) error {
	if err := c.defs.ArchivePlaybook(ctx, id, version); err != nil {
		return err
	}
	c.publish(ctx, &schema.PlaybookDefinition{ID: id, Version: version}, schema.EventPlaybookArchived)
	c.logger.InfoContext(ctx, "playbook archived", slog.String("playbook_id", id), slog.Int("version", version))
	return nil
}

// Get returns a specific version, or the active one when version is 0.
func (c *Catalog) Get(ctx context.Context, id string, version int) (*schema.PlaybookDefinition, error) {
	if version == 0 {
		return c.defs.GetActivePlaybook(ctx, id)
	}
	return c.defs.GetPlaybook(ctx, id, version)
}

// List returns definitions matching filter.
func (c *Catalog) List(ctx context.Context, filter store.PlaybookFilter) ([]*schema.PlaybookDefinition, error) {
	return c.defs.ListPlaybooks(ctx, filter)
}

func (c *Catalog) publish(ctx context.Context, def *schema.PlaybookDefinition, eventType string) {
	if c.hub == nil {
		return
	}
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		PlaybookID: def.ID,
		EventType:  eventType,
		Payload:    map[string]any{"version": def.Version, "digest": def.Digest},
		Timestamp:  time.Now().UTC(),
	})
}
