package authoring

import (
	"urbachamp/api/internal/geometry"
	"urbachamp/api/internal/store"
	"urbachamp/api/internal/upload"
)

// Draft holds everything a contribution-in-progress carries before commit:
// form fields, the geometry capture, and the pending asset payloads. It
// satisfies the wizard's field gates.
type Draft struct {
	contributionID string
	projectName    string
	category       string
	officialURL    string
	meta           string
	description    string
	city           string

	Capture *geometry.Capture

	Cover     []byte
	CoverType string
	Markdown  []byte
	Documents []upload.Document
}

func NewDraft(surface geometry.MapSurface) *Draft {
	return &Draft{Capture: geometry.NewCapture(surface)}
}

// draftFromRow seeds a draft from an existing contribution. The stored
// geometry is loaded lazily when the wizard reaches the geometry step.
func draftFromRow(row store.Contribution, surface geometry.MapSurface) *Draft {
	d := NewDraft(surface)
	d.contributionID = row.ID
	d.projectName = row.ProjectName
	d.category = row.Category
	d.officialURL = row.OfficialURL
	d.meta = row.Meta
	d.description = row.Description
	d.city = row.CityOrEmpty()
	return d
}

func (d *Draft) ContributionID() string { return d.contributionID }
func (d *Draft) ProjectName() string    { return d.projectName }
func (d *Draft) Category() string       { return d.category }
func (d *Draft) OfficialURL() string    { return d.officialURL }
func (d *Draft) Meta() string           { return d.meta }
func (d *Draft) Description() string    { return d.description }
func (d *Draft) City() string           { return d.city }

func (d *Draft) SetProjectName(v string) { d.projectName = v }
func (d *Draft) SetCategory(v string)    { d.category = v }
func (d *Draft) SetOfficialURL(v string) { d.officialURL = v }
func (d *Draft) SetMeta(v string)        { d.meta = v }
func (d *Draft) SetDescription(v string) { d.description = v }
func (d *Draft) SetCity(v string)        { d.city = v }

func (d *Draft) HasGeometry() bool {
	return d.Capture.HasGeometry()
}

func (d *Draft) DrawPending() bool {
	return d.Capture.Drawing()
}

// geometryChanged reports whether commit must upload geometry: always for a
// new contribution, otherwise only when the capture was actually touched.
func (d *Draft) geometryChanged() bool {
	if d.contributionID == "" {
		return true
	}
	if d.Capture.Mode() == geometry.ModeFile {
		return d.Capture.HasGeometry()
	}
	return d.Capture.Dirty()
}
