package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"urbachamp/api/internal/auth"
	"urbachamp/api/internal/authoring"
	"urbachamp/api/internal/config"
	"urbachamp/api/internal/geometry"
	"urbachamp/api/internal/listing"
	"urbachamp/api/internal/scope"
	"urbachamp/api/internal/store"
	"urbachamp/api/internal/upload"
	"urbachamp/api/internal/util"
	"urbachamp/api/internal/wizard"
)

// Session is the resolved caller identity for one request.
type Session struct {
	UserID    string
	Email     string
	Profile   scope.Profile
	ExpiresAt time.Time
}

// dataStore is the slice of the postgres store the service consumes.
type dataStore interface {
	GetContribution(ctx context.Context, id string) (store.Contribution, error)
	CreateContribution(ctx context.Context, c store.Contribution) (store.Contribution, error)
	UpdateContribution(ctx context.Context, id string, patch store.ContributionPatch) (store.Contribution, error)
	SetContributionApproved(ctx context.Context, id string, approved bool) error
	DeleteContribution(ctx context.Context, id string) error
	ListContributions(ctx context.Context, q store.ListQuery) ([]store.Contribution, error)

	GetProfile(ctx context.Context, userID string) (scope.Profile, error)
	EnsureProfile(ctx context.Context, userID, email string) error
	SetUserRole(ctx context.Context, userID, role, ville string) error
	ListUsers(ctx context.Context) ([]store.UserProfile, error)

	ListCategories(ctx context.Context, city string) ([]store.Category, error)
	GetBranding(ctx context.Context, city string) (store.Branding, error)
	UpsertBranding(ctx context.Context, b store.Branding) error

	InsertDossiers(ctx context.Context, dossiers []store.Dossier) error
	ListDossiersByProject(ctx context.Context, projectName string) ([]store.Dossier, error)
	GetDossier(ctx context.Context, id string) (store.Dossier, error)
	UpdateDossierTitle(ctx context.Context, id, title string) error
	DeleteDossier(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

// blobStore is the slice of the blob layer the service consumes directly;
// uploads go through the orchestrator.
type blobStore interface {
	Delete(ctx context.Context, assetURL string) error
	Health(ctx context.Context) error
}

type committer interface {
	Commit(ctx context.Context, row store.Contribution, a upload.Assets) (upload.Receipt, error)
}

type searcher interface {
	Search(ctx context.Context, q store.ListQuery) ([]store.Contribution, error)
	IndexContribution(c store.Contribution)
	RemoveContribution(id string)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	blobs   blobStore
	uploads committer
	search  searcher
	scopes  *scope.Engine
	fetcher assetFetcher

	mu       sync.Mutex
	listings map[string]*listing.Engine
}

func NewService(cfg config.Config, st dataStore, blobs blobStore, uploads committer, search searcher, scopes *scope.Engine) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		blobs:    blobs,
		uploads:  uploads,
		search:   search,
		scopes:   scopes,
		fetcher:  &httpFetcher{client: &http.Client{Timeout: 15 * time.Second}},
		listings: make(map[string]*listing.Engine),
	}
}

// listingFor returns the caller's session-scoped list engine, creating it
// with the session's fixed visibility on first use.
func (s *Service) listingFor(session Session) *listing.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	eng, ok := s.listings[session.UserID]
	if !ok {
		eng = listing.NewEngine(s.search, session.UserID, session.Profile.VisibilityFilter(), s.cfg.ListPageSize)
		s.listings[session.UserID] = eng
	}
	return eng
}

// dropListing discards a user's list engine so the next request rebuilds it,
// picking up a changed visibility.
func (s *Service) dropListing(userID string) {
	s.mu.Lock()
	delete(s.listings, userID)
	s.mu.Unlock()
}

// assetFetcher loads a stored asset back by URL, used when an edit session
// needs the existing geometry.
type assetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch asset: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) BlobHealth(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}
	return s.blobs.Health(ctx)
}

// IssueSession mints a token for an externally authenticated identity and
// makes sure a profile row exists for it.
func (s *Service) IssueSession(ctx context.Context, userID, email string) (string, Session, error) {
	if userID == "" || email == "" {
		return "", Session{}, errValidation("userId and email are required", nil)
	}
	if err := s.store.EnsureProfile(ctx, userID, email); err != nil {
		return "", Session{}, fmt.Errorf("issue session: %w", err)
	}
	if err := s.scopes.Invalidate(ctx, userID); err != nil {
		return "", Session{}, fmt.Errorf("issue session: %w", err)
	}
	s.dropListing(userID)
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:   userID,
		Email: email,
		JTI:   util.NewID("jti"),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return "", Session{}, fmt.Errorf("issue session: %w", err)
	}
	session, err := s.sessionFor(ctx, userID, email, expiresAt)
	if err != nil {
		return "", Session{}, err
	}
	return token, session, nil
}

// SessionFromToken authenticates a request. The profile comes from the
// scope engine's cache after the first resolution.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, errUnauthorized("Invalid or expired session")
	}
	return s.sessionFor(ctx, claims.Sub, claims.Email, time.Unix(claims.Exp, 0))
}

func (s *Service) sessionFor(ctx context.Context, userID, email string, expiresAt time.Time) (Session, error) {
	profile, err := s.scopes.Resolve(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("resolve session profile: %w", err)
	}
	return Session{UserID: userID, Email: email, Profile: profile, ExpiresAt: expiresAt}, nil
}

// SignOut drops the cached profile so the next sign-in re-resolves it.
func (s *Service) SignOut(ctx context.Context, session Session) error {
	s.dropListing(session.UserID)
	return s.scopes.Invalidate(ctx, session.UserID)
}

// ListOptions are the caller-facing list knobs; visibility is derived from
// the session and cannot be overridden.
type ListOptions struct {
	Search   string
	Category string
	City     string
	SortBy   string
	SortDir  string
	Page     int
	MineOnly bool
}

// ListResult carries one page plus whether more pages exist.
type ListResult struct {
	Items   []store.Contribution
	Page    int
	HasMore bool
}

// ListContributions drives the caller's session list engine. Page one and
// any filter change restart the listing; deeper pages append through
// LoadMore so the engine's done sentinel and visibility lock apply.
func (s *Service) ListContributions(ctx context.Context, session Session, opts ListOptions) (ListResult, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	eng := s.listingFor(session)
	f := listing.Filters{
		Search:   opts.Search,
		Category: opts.Category,
		City:     opts.City,
		SortBy:   opts.SortBy,
		SortDir:  opts.SortDir,
		MineOnly: opts.MineOnly,
	}
	var err error
	if page <= 1 || f != eng.Filters() {
		page = 1
		err = eng.UpdateFilters(ctx, f)
	} else if page > eng.Snapshot().Page {
		err = eng.LoadMore(ctx)
	}
	if err != nil {
		return ListResult{}, fmt.Errorf("list contributions: %w", err)
	}
	state := eng.Snapshot()
	return ListResult{
		Items:   pageSlice(state.Items, page, s.cfg.ListPageSize),
		Page:    page,
		HasMore: !state.Done,
	}, nil
}

func pageSlice(items []store.Contribution, page, size int) []store.Contribution {
	start := (page - 1) * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Service) GetContribution(ctx context.Context, session Session, id string) (store.Contribution, error) {
	row, err := s.store.GetContribution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Contribution{}, errNotFound("Contribution")
	}
	if err != nil {
		return store.Contribution{}, fmt.Errorf("get contribution: %w", err)
	}
	if !s.canSee(session, row) {
		return store.Contribution{}, errNotFound("Contribution")
	}
	return row, nil
}

// canSee mirrors the list visibility for single-row reads.
func (s *Service) canSee(session Session, row store.Contribution) bool {
	if row.OwnerID == session.UserID {
		return true
	}
	switch session.Profile.Role {
	case scope.RoleAdmin:
		return session.Profile.InScope(row.CityOrEmpty())
	case scope.RoleInvited:
		return row.Approved && session.Profile.InScope(row.CityOrEmpty())
	default:
		return false
	}
}

// ContributionInput is one authoring submission. Geometry arrives either as
// an uploaded GeoJSON document or as ordered draw vertices.
type ContributionInput struct {
	ProjectName string
	Category    string
	OfficialURL string
	Meta        string
	Description string
	City        string

	GeometryFile []byte
	DrawType     string
	DrawPoints   [][2]float64

	Cover     []byte
	CoverType string
	Markdown  []byte
	Documents []upload.Document
}

// CreateContribution runs the full authoring flow: open a draft, apply the
// input, walk the wizard gates, commit.
func (s *Service) CreateContribution(ctx context.Context, session Session, input ContributionInput) (authoring.Result, error) {
	ctrl := s.controller(session)
	if err := ctrl.OpenCreate(ctx); err != nil {
		return authoring.Result{}, mapAuthoringErr(err)
	}
	return s.runAuthoring(ctx, ctrl, input)
}

// UpdateContribution edits an existing row through the same flow. Stored
// geometry is reused when the input carries none.
func (s *Service) UpdateContribution(ctx context.Context, session Session, id string, input ContributionInput) (authoring.Result, error) {
	ctrl := s.controller(session)
	if err := ctrl.OpenEdit(ctx, id, wizard.StepDetails); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return authoring.Result{}, errNotFound("Contribution")
		}
		return authoring.Result{}, mapAuthoringErr(err)
	}
	return s.runAuthoring(ctx, ctrl, input)
}

func (s *Service) controller(session Session) *authoring.Controller {
	return authoring.NewController(s.store, s.uploads, s.search, s.listingFor(session), s.fetcher, session.UserID, session.Profile, nil)
}

func (s *Service) runAuthoring(ctx context.Context, ctrl *authoring.Controller, input ContributionInput) (authoring.Result, error) {
	draft := ctrl.Draft()
	draft.SetProjectName(input.ProjectName)
	draft.SetCategory(input.Category)
	draft.SetOfficialURL(input.OfficialURL)
	draft.SetMeta(input.Meta)
	draft.SetDescription(input.Description)
	if input.City != "" {
		draft.SetCity(input.City)
	}
	draft.Cover = input.Cover
	draft.CoverType = input.CoverType
	draft.Markdown = input.Markdown
	draft.Documents = input.Documents

	if err := applyGeometry(draft.Capture, input); err != nil {
		return authoring.Result{}, err
	}

	machine := ctrl.Wizard()
	for machine.Step() < wizard.StepReview {
		if err := machine.Next(ctx); err != nil {
			return authoring.Result{}, mapAuthoringErr(err)
		}
	}

	result, err := ctrl.Submit(ctx)
	if err != nil {
		return authoring.Result{}, mapAuthoringErr(err)
	}
	return result, nil
}

func applyGeometry(capture *geometry.Capture, input ContributionInput) error {
	switch {
	case len(input.GeometryFile) > 0:
		if _, err := capture.ImportFile(input.GeometryFile); err != nil {
			return errValidation(err.Error(), nil)
		}
	case len(input.DrawPoints) > 0:
		drawType := geometry.DrawType(input.DrawType)
		if drawType != geometry.DrawLine && drawType != geometry.DrawPolygon {
			return errValidation("drawType must be line or polygon", nil)
		}
		capture.StartDraw(drawType)
		for _, p := range input.DrawPoints {
			capture.OnSurfaceClick(orb.Point{p[0], p[1]})
		}
		if err := capture.Finalize(); err != nil {
			return errValidation(err.Error(), nil)
		}
	}
	return nil
}

func mapAuthoringErr(err error) error {
	var verr *wizard.ValidationError
	if errors.As(err, &verr) {
		return errValidation(verr.Error(), map[string]any{"field": verr.Field})
	}
	if errors.Is(err, authoring.ErrNotAllowed) {
		return errForbidden()
	}
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr
	}
	return err
}

// ApproveContribution flips the approval flag, admin only and only within
// the admin's scope.
func (s *Service) ApproveContribution(ctx context.Context, session Session, id string, approved bool) (store.Contribution, error) {
	row, err := s.store.GetContribution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Contribution{}, errNotFound("Contribution")
	}
	if err != nil {
		return store.Contribution{}, fmt.Errorf("approve contribution: %w", err)
	}
	if !session.Profile.CanApprove() || !session.Profile.InScope(row.CityOrEmpty()) {
		return store.Contribution{}, errForbidden()
	}
	if err := s.store.SetContributionApproved(ctx, id, approved); err != nil {
		return store.Contribution{}, fmt.Errorf("approve contribution: %w", err)
	}
	row.Approved = approved
	s.search.IndexContribution(row)
	return row, nil
}

// DeleteContribution removes the row, its blob assets, and its search
// record. Asset deletion is best effort; a missing blob never blocks the
// row deletion.
func (s *Service) DeleteContribution(ctx context.Context, session Session, id string) error {
	row, err := s.store.GetContribution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound("Contribution")
	}
	if err != nil {
		return fmt.Errorf("delete contribution: %w", err)
	}
	if !session.Profile.CanDelete(session.UserID, row.OwnerID, row.CityOrEmpty()) {
		return errForbidden()
	}

	if s.blobs != nil {
		for _, assetURL := range []string{row.GeoJSONURL, row.CoverURL, row.MarkdownURL} {
			if assetURL == "" {
				continue
			}
			_ = s.blobs.Delete(ctx, assetURL)
		}
	}
	if dossiers, err := s.store.ListDossiersByProject(ctx, row.ProjectName); err == nil {
		for _, d := range dossiers {
			if s.blobs != nil && d.PDFURL != "" {
				_ = s.blobs.Delete(ctx, d.PDFURL)
			}
			_ = s.store.DeleteDossier(ctx, d.ID)
		}
	}
	if err := s.store.DeleteContribution(ctx, id); err != nil {
		return fmt.Errorf("delete contribution: %w", err)
	}
	s.search.RemoveContribution(id)
	return nil
}

func (s *Service) ListCategories(ctx context.Context, city string) ([]store.Category, error) {
	categories, err := s.store.ListCategories(ctx, city)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

func (s *Service) GetBranding(ctx context.Context, city string) (store.Branding, error) {
	b, err := s.store.GetBranding(ctx, city)
	if errors.Is(err, store.ErrNotFound) {
		return store.Branding{City: city}, nil
	}
	if err != nil {
		return store.Branding{}, fmt.Errorf("get branding: %w", err)
	}
	return b, nil
}

func (s *Service) UpdateBranding(ctx context.Context, session Session, b store.Branding) error {
	if !session.Profile.CanApprove() || !session.Profile.InScope(b.City) {
		return errForbidden()
	}
	if b.City == "" {
		return errValidation("ville is required", nil)
	}
	if err := s.store.UpsertBranding(ctx, b); err != nil {
		return fmt.Errorf("update branding: %w", err)
	}
	return nil
}

func (s *Service) ListDossiers(ctx context.Context, projectName string) ([]store.Dossier, error) {
	dossiers, err := s.store.ListDossiersByProject(ctx, projectName)
	if err != nil {
		return nil, fmt.Errorf("list dossiers: %w", err)
	}
	return dossiers, nil
}

func (s *Service) RenameDossier(ctx context.Context, session Session, id, title string) error {
	if session.Profile.Role != scope.RoleAdmin && session.Profile.Role != scope.RoleInvited {
		return errForbidden()
	}
	if title == "" {
		return errValidation("title is required", nil)
	}
	err := s.store.UpdateDossierTitle(ctx, id, title)
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound("Dossier")
	}
	if err != nil {
		return fmt.Errorf("rename dossier: %w", err)
	}
	return nil
}

func (s *Service) DeleteDossier(ctx context.Context, session Session, id string) error {
	if !session.Profile.CanApprove() {
		return errForbidden()
	}
	dossier, err := s.store.GetDossier(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound("Dossier")
	}
	if err != nil {
		return fmt.Errorf("delete dossier: %w", err)
	}
	if s.blobs != nil && dossier.PDFURL != "" {
		_ = s.blobs.Delete(ctx, dossier.PDFURL)
	}
	if err := s.store.DeleteDossier(ctx, id); err != nil {
		return fmt.Errorf("delete dossier: %w", err)
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, session Session) ([]store.UserProfile, error) {
	if !session.Profile.CanApprove() {
		return nil, errForbidden()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// SetUserRole promotes or demotes a user and drops their cached profile so
// the change is visible on their next request.
func (s *Service) SetUserRole(ctx context.Context, session Session, userID, role, ville string) error {
	if !session.Profile.CanApprove() {
		return errForbidden()
	}
	if scope.Normalize(role) == scope.RoleNone && role != "" {
		return errValidation("role must be admin, invited, or empty", nil)
	}
	err := s.store.SetUserRole(ctx, userID, role, ville)
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound("User")
	}
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	s.dropListing(userID)
	if err := s.scopes.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	return nil
}
