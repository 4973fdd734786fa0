package app

import (
	"time"

	"urbachamp/api/internal/store"
)

type contributionJSON struct {
	ID          string  `json:"id"`
	ProjectName string  `json:"projectName"`
	Category    string  `json:"category"`
	Ville       *string `json:"ville"`
	OfficialURL string  `json:"officialUrl,omitempty"`
	Meta        string  `json:"meta,omitempty"`
	Description string  `json:"description,omitempty"`
	GeoJSONURL  string  `json:"geojsonUrl,omitempty"`
	CoverURL    string  `json:"coverUrl,omitempty"`
	MarkdownURL string  `json:"markdownUrl,omitempty"`
	Approved    bool    `json:"approved"`
	CreatedBy   string  `json:"createdBy"`
	CreatedAt   string  `json:"createdAt"`
}

func contributionPayload(c store.Contribution) contributionJSON {
	return contributionJSON{
		ID:          c.ID,
		ProjectName: c.ProjectName,
		Category:    c.Category,
		Ville:       c.City,
		OfficialURL: c.OfficialURL,
		Meta:        c.Meta,
		Description: c.Description,
		GeoJSONURL:  c.GeoJSONURL,
		CoverURL:    c.CoverURL,
		MarkdownURL: c.MarkdownURL,
		Approved:    c.Approved,
		CreatedBy:   c.OwnerID,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func contributionPayloads(rows []store.Contribution) []contributionJSON {
	out := make([]contributionJSON, 0, len(rows))
	for _, c := range rows {
		out = append(out, contributionPayload(c))
	}
	return out
}

type categoryJSON struct {
	ID       string `json:"id"`
	Ville    string `json:"ville"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
	Position int    `json:"position"`
}

func categoryPayloads(categories []store.Category) []categoryJSON {
	out := make([]categoryJSON, 0, len(categories))
	for _, c := range categories {
		out = append(out, categoryJSON{ID: c.ID, Ville: c.City, Name: c.Name, Icon: c.Icon, Position: c.Position})
	}
	return out
}

type brandingJSON struct {
	Ville        string `json:"ville"`
	DisplayName  string `json:"displayName"`
	PrimaryColor string `json:"primaryColor"`
	LogoURL      string `json:"logoUrl"`
}

func brandingPayload(b store.Branding) brandingJSON {
	return brandingJSON{Ville: b.City, DisplayName: b.DisplayName, PrimaryColor: b.PrimaryColor, LogoURL: b.LogoURL}
}

type dossierJSON struct {
	ID          string `json:"id"`
	ProjectName string `json:"projectName"`
	Category    string `json:"category,omitempty"`
	Title       string `json:"title"`
	PDFURL      string `json:"pdfUrl"`
	CreatedAt   string `json:"createdAt"`
}

func dossierPayloads(dossiers []store.Dossier) []dossierJSON {
	out := make([]dossierJSON, 0, len(dossiers))
	for _, d := range dossiers {
		out = append(out, dossierJSON{
			ID:          d.ID,
			ProjectName: d.ProjectName,
			Category:    d.Category,
			Title:       d.Title,
			PDFURL:      d.PDFURL,
			CreatedAt:   d.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

type userJSON struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Ville     string `json:"ville"`
	CreatedAt string `json:"createdAt"`
}

func userPayloads(users []store.UserProfile) []userJSON {
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{
			UserID:    u.UserID,
			Email:     u.Email,
			Role:      u.Role,
			Ville:     u.Ville,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
