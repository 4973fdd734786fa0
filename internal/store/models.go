package store

import (
	"time"

	"urbachamp/api/internal/scope"
)

// Contribution mirrors the contributions table. City is a pointer because
// legacy rows carry NULL (treated as the global scope).
type Contribution struct {
	ID          string
	ProjectName string
	Category    string
	City        *string
	OfficialURL string
	Meta        string
	Description string
	GeoJSONURL  string
	CoverURL    string
	MarkdownURL string
	Approved    bool
	OwnerID     string
	CreatedAt   time.Time
}

// CityOrEmpty flattens the nullable city for scope checks.
func (c Contribution) CityOrEmpty() string {
	if c.City == nil {
		return ""
	}
	return *c.City
}

// ContributionPatch is the consolidated metadata patch applied once per
// commit. City is only set when backfilling a legacy NULL.
type ContributionPatch struct {
	ProjectName string
	Category    string
	OfficialURL string
	Meta        string
	Description string
	City        *string
}

// AssetURLs updates only the non-nil blob URL columns.
type AssetURLs struct {
	GeoJSON  *string
	Cover    *string
	Markdown *string
}

type UserProfile struct {
	UserID    string
	Email     string
	Role      string
	Ville     string
	CreatedAt time.Time
}

type Category struct {
	ID       string
	City     string
	Name     string
	Icon     string
	Position int
}

type Branding struct {
	City         string
	DisplayName  string
	PrimaryColor string
	LogoURL      string
}

// Dossier is a named PDF attachment linked to a project by name,
// independent of any contribution row's own asset fields.
type Dossier struct {
	ID          string
	ProjectName string
	Category    string
	Title       string
	PDFURL      string
	CreatedAt   time.Time
}

// ListQuery carries the list engine's effective filters. Vis is derived by
// the scope engine and applied here so a direct query cannot bypass the
// invited lock.
type ListQuery struct {
	Search   string
	Category string
	City     string
	SortBy   string
	SortDir  string
	Page     int
	PageSize int

	ViewerID string
	MineOnly bool
	Vis      scope.Visibility
}
