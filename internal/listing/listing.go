// Package listing pages through contributions. Filter changes restart the
// listing from page one, LoadMore appends until a short page marks the end,
// and search input is debounced with an immediate bypass for submits.
package listing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"urbachamp/api/internal/scope"
	"urbachamp/api/internal/store"
)

// DefaultDebounce is how long search keystrokes coalesce before a query
// runs.
const DefaultDebounce = 250 * time.Millisecond

// Source resolves one page. The search facade satisfies it.
type Source interface {
	Search(ctx context.Context, q store.ListQuery) ([]store.Contribution, error)
}

// Filters are the caller-controlled knobs. Visibility is not among them; it
// is fixed per engine and cannot be widened from here.
type Filters struct {
	Search   string
	Category string
	City     string
	SortBy   string
	SortDir  string
	MineOnly bool
}

// State is a consistent snapshot of the listing. Skeletons shows placeholder
// rows, which only happens while the first page loads.
type State struct {
	Items     []store.Contribution
	Page      int
	Loading   bool
	Done      bool
	Skeletons bool
}

type Engine struct {
	source   Source
	viewerID string
	vis      scope.Visibility
	pageSize int
	debounce time.Duration

	mu          sync.Mutex
	filters     Filters
	items       []store.Contribution
	page        int
	loading     bool
	loadingPage int
	done        bool
	timer       *time.Timer
	generation  int
}

func NewEngine(source Source, viewerID string, vis scope.Visibility, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Engine{
		source:   source,
		viewerID: viewerID,
		vis:      vis,
		pageSize: pageSize,
		debounce: DefaultDebounce,
		filters:  Filters{MineOnly: vis.MineOnly},
	}
}

// SetDebounce overrides the search debounce interval, used by tests.
func (e *Engine) SetDebounce(d time.Duration) {
	e.mu.Lock()
	e.debounce = d
	e.mu.Unlock()
}

// Filters returns the active filter set.
func (e *Engine) Filters() Filters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters
}

func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]store.Contribution, len(e.items))
	copy(items, e.items)
	return State{
		Items:     items,
		Page:      e.page,
		Loading:   e.loading,
		Done:      e.done,
		Skeletons: e.loading && e.loadingPage <= 1,
	}
}

// UpdateFilters replaces the filters and restarts the listing from page one.
// The previous items are discarded before the new page arrives, and a fetch
// still in flight for the old filters is superseded rather than kept.
func (e *Engine) UpdateFilters(ctx context.Context, f Filters) error {
	e.mu.Lock()
	e.cancelPendingLocked()
	e.filters = f
	e.resetLocked()
	gen := e.generation
	e.mu.Unlock()
	return e.loadPage(ctx, 1, gen)
}

// SearchInput records a keystroke. The query runs after the debounce
// interval unless another keystroke lands first. immediate bypasses the
// debounce, used when the caller submits the search.
func (e *Engine) SearchInput(ctx context.Context, text string, immediate bool) error {
	e.mu.Lock()
	e.cancelPendingLocked()
	e.filters.Search = text
	gen := e.generation
	if !immediate {
		e.timer = time.AfterFunc(e.debounce, func() {
			e.mu.Lock()
			if gen != e.generation {
				e.mu.Unlock()
				return
			}
			e.resetLocked()
			e.mu.Unlock()
			if err := e.loadPage(context.Background(), 1, gen); err != nil {
				log.Warn().Err(err).Msg("debounced search failed")
			}
		})
		e.mu.Unlock()
		return nil
	}
	e.resetLocked()
	e.mu.Unlock()
	return e.loadPage(ctx, 1, gen)
}

// LoadMore fetches the next page. It is a no-op while a load is in flight
// or once the listing is exhausted.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	if e.loading || e.done {
		e.mu.Unlock()
		return nil
	}
	next := e.page + 1
	gen := e.generation
	e.mu.Unlock()
	return e.loadPage(ctx, next, gen)
}

// Refresh reloads the listing from page one with the current filters.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	e.cancelPendingLocked()
	e.resetLocked()
	gen := e.generation
	e.mu.Unlock()
	return e.loadPage(ctx, 1, gen)
}

func (e *Engine) cancelPendingLocked() {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) resetLocked() {
	e.items = nil
	e.page = 0
	e.done = false
}

// loadPage fetches one page for the given generation. A fetch whose
// generation was superseded while it was in flight leaves the state alone;
// the newer fetch owns it.
func (e *Engine) loadPage(ctx context.Context, page, gen int) error {
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return nil
	}
	e.loading = true
	e.loadingPage = page
	q := e.queryLocked(page)
	e.mu.Unlock()

	rows, err := e.source.Search(ctx, q)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return nil
	}
	e.loading = false
	if err != nil {
		return err
	}
	if page <= 1 {
		e.items = rows
	} else {
		e.items = append(e.items, rows...)
	}
	e.page = page
	e.done = len(rows) < e.pageSize
	return nil
}

// queryLocked stitches the caller's filters onto the fixed visibility so a
// locked viewer cannot widen what they see.
func (e *Engine) queryLocked(page int) store.ListQuery {
	return store.ListQuery{
		Search:   e.filters.Search,
		Category: e.filters.Category,
		City:     e.filters.City,
		SortBy:   e.filters.SortBy,
		SortDir:  e.filters.SortDir,
		Page:     page,
		PageSize: e.pageSize,
		ViewerID: e.viewerID,
		MineOnly: e.filters.MineOnly,
		Vis:      e.vis,
	}
}
