// Package authoring orchestrates one user's create-or-edit session: it
// opens the wizard over a draft, guards it with the caller's scope, and
// turns a finished draft into a stored contribution plus its assets.
package authoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"urbachamp/api/internal/geometry"
	"urbachamp/api/internal/scope"
	"urbachamp/api/internal/store"
	"urbachamp/api/internal/upload"
	"urbachamp/api/internal/util"
	"urbachamp/api/internal/wizard"
)

var (
	ErrNotAllowed = errors.New("not allowed")
	ErrNoSession  = errors.New("no authoring session open")
)

type dataStore interface {
	CreateContribution(ctx context.Context, c store.Contribution) (store.Contribution, error)
	GetContribution(ctx context.Context, id string) (store.Contribution, error)
	UpdateContribution(ctx context.Context, id string, patch store.ContributionPatch) (store.Contribution, error)
	ListDossiersByProject(ctx context.Context, projectName string) ([]store.Dossier, error)
}

type committer interface {
	Commit(ctx context.Context, row store.Contribution, a upload.Assets) (upload.Receipt, error)
}

// indexer and refresher are optional follow-ups after a commit.
type indexer interface {
	IndexContribution(c store.Contribution)
}

type refresher interface {
	Refresh(ctx context.Context) error
}

// assetFetcher retrieves a stored asset by its public URL, used to preload
// existing geometry when editing.
type assetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Controller is one user's authoring session. It is not safe for concurrent
// use; each session owns its own controller.
type Controller struct {
	store   dataStore
	uploads committer
	index   indexer
	listing refresher
	fetcher assetFetcher

	userID  string
	profile scope.Profile
	surface geometry.MapSurface

	draft      *Draft
	machine    *wizard.Machine
	editing    *store.Contribution
	generation int

	dossiers        []store.Dossier
	dossierProject  string
	dossiersFetched bool
}

func NewController(st dataStore, uploads committer, index indexer, listing refresher, fetcher assetFetcher, userID string, profile scope.Profile, surface geometry.MapSurface) *Controller {
	if surface == nil {
		surface = geometry.NopSurface{}
	}
	return &Controller{
		store:   st,
		uploads: uploads,
		index:   index,
		listing: listing,
		fetcher: fetcher,
		userID:  userID,
		profile: profile,
		surface: surface,
	}
}

func (c *Controller) Draft() *Draft             { return c.draft }
func (c *Controller) Wizard() *wizard.Machine   { return c.machine }
func (c *Controller) Editing() bool             { return c.editing != nil }
func (c *Controller) Open() bool                { return c.draft != nil }
func (c *Controller) Dossiers() []store.Dossier { return c.dossiers }

// OpenCreate starts a fresh draft on the first wizard step. Callers without
// any authoring role are rejected before a draft exists.
func (c *Controller) OpenCreate(ctx context.Context) error {
	if c.profile.Role != scope.RoleAdmin && c.profile.Role != scope.RoleInvited {
		return ErrNotAllowed
	}
	c.resetSession()
	c.draft = NewDraft(c.surface)
	if city, ok := c.soleCity(); ok {
		c.draft.SetCity(city)
	}
	c.machine = wizard.NewMachine(c.draft, c)
	return c.machine.SetStep(ctx, wizard.StepDetails)
}

// OpenEdit loads an existing contribution and jumps the wizard straight to
// the requested step.
func (c *Controller) OpenEdit(ctx context.Context, id string, step int) error {
	row, err := c.store.GetContribution(ctx, id)
	if err != nil {
		return fmt.Errorf("open edit: %w", err)
	}
	if !c.canEditRow(row) {
		return ErrNotAllowed
	}
	c.resetSession()
	c.editing = &row
	c.draft = draftFromRow(row, c.surface)
	c.machine = wizard.NewMachine(c.draft, c)
	return c.machine.SetStep(ctx, step)
}

// Close abandons the session. Any in-flight submit notices the bumped
// generation and skips its follow-ups.
func (c *Controller) Close() {
	c.resetSession()
}

func (c *Controller) resetSession() {
	c.generation++
	if c.draft != nil {
		c.draft.Capture.Clear()
	}
	c.draft = nil
	c.machine = nil
	c.editing = nil
	c.dossiers = nil
	c.dossierProject = ""
	c.dossiersFetched = false
}

// EnterGeometry reapplies the capture mode and, on the first visit of an
// edit session, preloads the stored geometry onto the surface.
func (c *Controller) EnterGeometry(ctx context.Context, firstVisit bool) error {
	if !firstVisit || c.editing == nil || c.editing.GeoJSONURL == "" || c.fetcher == nil {
		return nil
	}
	data, err := c.fetcher.Fetch(ctx, c.editing.GeoJSONURL)
	if err != nil {
		// The session stays usable; the author can recapture instead.
		log.Warn().Err(err).Str("contribution", c.editing.ID).Msg("preload geometry failed")
		return nil
	}
	if err := c.draft.Capture.LoadPortable(data); err != nil {
		log.Warn().Err(err).Str("contribution", c.editing.ID).Msg("stored geometry unreadable")
	}
	return nil
}

// EnterReview fetches the project's dossier list, once per project name.
func (c *Controller) EnterReview(ctx context.Context, projectName string) error {
	if c.dossiersFetched && c.dossierProject == projectName {
		return nil
	}
	dossiers, err := c.store.ListDossiersByProject(ctx, projectName)
	if err != nil {
		return fmt.Errorf("load dossiers: %w", err)
	}
	c.dossiers = dossiers
	c.dossierProject = projectName
	c.dossiersFetched = true
	return nil
}

// Result reports what a submit produced.
type Result struct {
	Row     store.Contribution
	Receipt upload.Receipt
	Created bool
}

// Submit validates the whole draft, persists the row, commits assets, and
// runs the post-commit follow-ups. The draft survives a failed submit so
// the author can retry.
func (c *Controller) Submit(ctx context.Context) (Result, error) {
	if c.draft == nil {
		return Result{}, ErrNoSession
	}
	for _, step := range []int{wizard.StepDetails, wizard.StepGeometry} {
		if err := c.machine.Validate(step); err != nil {
			return Result{}, err
		}
	}
	if !c.profile.CanEdit(c.draft.City()) {
		return Result{}, ErrNotAllowed
	}

	gen := c.generation
	draft := c.draft

	created := c.editing == nil
	var row store.Contribution
	if created {
		var err error
		row, err = c.insertRow(ctx, draft)
		if err != nil {
			return Result{}, err
		}
	} else {
		// Uploads key off the draft's current names; the stored row is
		// patched after the uploads, not before.
		row = *c.editing
		row.ProjectName = draft.ProjectName()
		row.Category = draft.Category()
	}

	assets, err := c.buildAssets(draft, created)
	if err != nil {
		return Result{}, err
	}
	receipt, commitErr := c.uploads.Commit(ctx, row, assets)

	// The consolidated metadata patch lands after every upload attempt,
	// successful or not, so a partial upload never loses field edits.
	if !created {
		patched, err := c.patchRow(ctx, draft)
		if err != nil {
			return Result{Row: row, Created: created}, err
		}
		row = patched
	}
	if commitErr != nil {
		return Result{Row: row, Created: created}, commitErr
	}

	final, err := c.store.GetContribution(ctx, row.ID)
	if err != nil {
		final = row
	}

	if gen == c.generation {
		c.resetSession()
	}
	if c.index != nil {
		c.index.IndexContribution(final)
	}
	if c.listing != nil {
		if err := c.listing.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("listing refresh after submit failed")
		}
	}
	return Result{Row: final, Receipt: receipt, Created: created}, nil
}

func (c *Controller) insertRow(ctx context.Context, draft *Draft) (store.Contribution, error) {
	row, err := c.store.CreateContribution(ctx, store.Contribution{
		ID:          util.NewID("ctb"),
		ProjectName: draft.ProjectName(),
		Category:    draft.Category(),
		City:        optional(draft.City()),
		OfficialURL: draft.OfficialURL(),
		Meta:        draft.Meta(),
		Description: draft.Description(),
		OwnerID:     c.userID,
	})
	if err != nil {
		return store.Contribution{}, fmt.Errorf("create contribution: %w", err)
	}
	return row, nil
}

func (c *Controller) patchRow(ctx context.Context, draft *Draft) (store.Contribution, error) {
	patch := store.ContributionPatch{
		ProjectName: draft.ProjectName(),
		Category:    draft.Category(),
		OfficialURL: draft.OfficialURL(),
		Meta:        draft.Meta(),
		Description: draft.Description(),
	}
	// Legacy rows predate per-city scoping; editing one stamps the author's
	// city onto it.
	if c.editing != nil && c.editing.City == nil {
		patch.City = optional(draft.City())
	}
	row, err := c.store.UpdateContribution(ctx, draft.ContributionID(), patch)
	if err != nil {
		return store.Contribution{}, fmt.Errorf("update contribution: %w", err)
	}
	return row, nil
}

func (c *Controller) buildAssets(draft *Draft, created bool) (upload.Assets, error) {
	assets := upload.Assets{
		Cover:     draft.Cover,
		CoverType: draft.CoverType,
		Markdown:  draft.Markdown,
		Documents: draft.Documents,
	}
	if draft.geometryChanged() {
		data, err := draft.Capture.ToPortableFormat()
		if err != nil {
			return upload.Assets{}, fmt.Errorf("serialize geometry: %w", err)
		}
		assets.Geometry = data
		assets.GeometryRequired = created
	}
	return assets, nil
}

func (c *Controller) canEditRow(row store.Contribution) bool {
	if row.OwnerID == c.userID && (c.profile.Role == scope.RoleAdmin || c.profile.Role == scope.RoleInvited) {
		return true
	}
	return c.profile.Role == scope.RoleAdmin && c.profile.CanEdit(row.CityOrEmpty())
}

// soleCity picks the draft's default city when the profile grants exactly
// one concrete city.
func (c *Controller) soleCity() (string, bool) {
	if c.profile.IsGlobal() {
		return "", false
	}
	if len(c.profile.Cities) == 1 {
		return c.profile.Cities[0], true
	}
	return "", false
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
