package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"

	"urbachamp/api/internal/store"
)

const idxContributions = "urbachamp_contributions"

// Record is the searchable projection of a contribution row.
type Record struct {
	ID          string `json:"id"`
	ProjectName string `json:"projectName"`
	Category    string `json:"category"`
	Ville       string `json:"ville"`
	Meta        string `json:"meta"`
	Description string `json:"description"`
	Approved    bool   `json:"approved"`
	CreatedBy   string `json:"createdBy"`
	CreatedAt   int64  `json:"createdAt"`
}

func RecordFromContribution(c store.Contribution) Record {
	return Record{
		ID:          c.ID,
		ProjectName: c.ProjectName,
		Category:    c.Category,
		Ville:       c.CityOrEmpty(),
		Meta:        c.Meta,
		Description: c.Description,
		Approved:    c.Approved,
		CreatedBy:   c.OwnerID,
		CreatedAt:   c.CreatedAt.Unix(),
	}
}

func (r Record) Contribution() store.Contribution {
	c := store.Contribution{
		ID:          r.ID,
		ProjectName: r.ProjectName,
		Category:    r.Category,
		Meta:        r.Meta,
		Description: r.Description,
		Approved:    r.Approved,
		OwnerID:     r.CreatedBy,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.Ville != "" {
		ville := r.Ville
		c.City = &ville
	}
	return c
}

// Meili indexes contributions in Meilisearch and answers text queries.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the contribution
// index. The caller proceeds without search when the instance stays
// unreachable; the health loop picks it up if it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxContributions,
		PrimaryKey: "id",
	}); err != nil {
		log.Debug().Err(err).Msg("create contributions index (may already exist)")
	}

	index := m.client.Index(idxContributions)
	filterable := []interface{}{"ville", "category", "approved", "createdBy"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"projectName", "description", "meta"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Warn().Err(err).Msg("update searchable attributes")
	}
	sortable := []string{"createdAt", "projectName", "category", "id"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Warn().Err(err).Msg("update sortable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs a filtered text query. Visibility filters mirror the SQL the
// store applies, so both paths show a caller the same rows.
func (m *Meili) Search(q store.ListQuery) ([]Record, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	sr := &meili.SearchRequest{
		Limit:  int64(pageSize),
		Offset: int64((page - 1) * pageSize),
	}
	if filters := listFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}
	sr.Sort = sortExpr(q.SortBy, q.SortDir)

	resp, err := m.client.Index(idxContributions).Search(q.Search, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	records := make([]Record, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, int(resp.EstimatedTotalHits), nil
}

// listFilters translates the visibility and the caller's filters into Meili
// filter expressions, mirroring the SQL the store applies.
func listFilters(q store.ListQuery) []string {
	var filters []string
	if q.Vis.Locked {
		switch {
		case !q.Vis.ApprovedInScope:
			filters = append(filters, fmt.Sprintf("createdBy = %q", q.ViewerID))
		case q.Vis.Cities != nil:
			filters = append(filters, fmt.Sprintf("(createdBy = %q OR (approved = true AND ville IN %s))",
				q.ViewerID, quoteList(q.Vis.Cities)))
		default:
			filters = append(filters, fmt.Sprintf("(createdBy = %q OR approved = true)", q.ViewerID))
		}
	} else if q.Vis.Cities != nil {
		filters = append(filters, "ville IN "+quoteList(q.Vis.Cities))
	}
	if q.MineOnly {
		filters = append(filters, fmt.Sprintf("createdBy = %q", q.ViewerID))
	}
	if q.Category != "" {
		filters = append(filters, fmt.Sprintf("category = %q", q.Category))
	}
	if q.City != "" {
		filters = append(filters, fmt.Sprintf("ville = %q", q.City))
	}
	return filters
}

// sortExpr always ends with the id ascending tie-break so equal-key rows
// keep a stable order across pages.
func sortExpr(sortBy, dir string) []string {
	field := "createdAt"
	switch sortBy {
	case "project_name":
		field = "projectName"
	case "category":
		field = "category"
	}
	return []string{field + ":" + sortDir(dir), "id:asc"}
}

func sortDir(dir string) string {
	if dir == "asc" {
		return "asc"
	}
	return "desc"
}

func quoteList(values []string) string {
	out := "["
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", v)
	}
	return out + "]"
}

// IndexContribution adds or updates one record.
func (m *Meili) IndexContribution(rec Record) error {
	_, err := m.client.Index(idxContributions).AddDocuments([]Record{rec}, nil)
	return err
}

// DeleteContribution removes one record.
func (m *Meili) DeleteContribution(id string) error {
	_, err := m.client.Index(idxContributions).DeleteDocument(id, nil)
	return err
}

// IndexContributions bulk-indexes records during reindex.
func (m *Meili) IndexContributions(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxContributions).AddDocuments(records, nil)
	return err
}
