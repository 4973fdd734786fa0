// Package upload commits a contribution's assets to blob storage in a fixed
// order and tolerates partial failure: only a required geometry aborts the
// commit, everything else degrades to a warning.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/rs/zerolog/log"

	"urbachamp/api/internal/blob"
	"urbachamp/api/internal/store"
	"urbachamp/api/internal/util"
)

// BlobStore is the slice of the blob layer the orchestrator needs.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// Patcher persists the asset URLs and dossier rows once uploads settle.
type Patcher interface {
	UpdateAssetURLs(ctx context.Context, id string, urls store.AssetURLs) error
	InsertDossiers(ctx context.Context, dossiers []store.Dossier) error
}

// Document is one attached PDF with its display title. Entries missing
// either field are dropped before upload.
type Document struct {
	Title    string
	Filename string
	Data     []byte
}

// Assets is everything a commit may carry. Nil slices mean the asset is not
// part of this commit and its stored URL is left untouched.
type Assets struct {
	Geometry         []byte
	GeometryRequired bool
	Cover            []byte
	CoverType        string
	Markdown         []byte
	Documents        []Document
}

// Receipt reports what the commit actually stored. Warnings carry the
// assets that failed without aborting the commit.
type Receipt struct {
	GeoJSONURL  string
	CoverURL    string
	MarkdownURL string
	DossierIDs  []string
	Warnings    []string
}

type Orchestrator struct {
	blobs BlobStore
	store Patcher
}

func NewOrchestrator(blobs BlobStore, st Patcher) *Orchestrator {
	return &Orchestrator{blobs: blobs, store: st}
}

// Commit uploads the assets for row in order: geometry, cover, markdown,
// documents. It then applies a single asset-URL patch; re-running a commit
// with the same assets converges on the same row state.
func (o *Orchestrator) Commit(ctx context.Context, row store.Contribution, a Assets) (Receipt, error) {
	var receipt Receipt
	slug := util.Slugify(row.ProjectName)
	warn := func(asset string, err error) {
		log.Warn().Err(err).Str("contribution", row.ID).Str("asset", asset).Msg("asset upload failed")
		receipt.Warnings = append(receipt.Warnings, fmt.Sprintf("%s: %v", asset, err))
	}

	if len(a.Geometry) > 0 {
		key := blob.ContributionKey(row.Category, slug, row.ID, "geometry.geojson")
		url, err := o.blobs.Put(ctx, key, bytes.NewReader(a.Geometry), int64(len(a.Geometry)), "application/geo+json")
		if err != nil {
			if a.GeometryRequired {
				return Receipt{}, fmt.Errorf("upload geometry: %w", err)
			}
			warn("geometry", err)
		} else {
			receipt.GeoJSONURL = url
		}
	} else if a.GeometryRequired {
		return Receipt{}, fmt.Errorf("upload geometry: no geometry captured")
	}

	if len(a.Cover) > 0 {
		receipt.CoverURL = o.uploadCover(ctx, row, slug, a, warn)
	}

	if len(a.Markdown) > 0 {
		key := blob.ContributionKey(row.Category, slug, row.ID, "description.md")
		url, err := o.blobs.Put(ctx, key, bytes.NewReader(a.Markdown), int64(len(a.Markdown)), "text/markdown")
		if err != nil {
			warn("markdown", err)
		} else {
			receipt.MarkdownURL = url
		}
	}

	dossiers := o.uploadDocuments(ctx, row, slug, a.Documents, warn)
	if len(dossiers) > 0 {
		if err := o.store.InsertDossiers(ctx, dossiers); err != nil {
			warn("dossiers", err)
		} else {
			for _, d := range dossiers {
				receipt.DossierIDs = append(receipt.DossierIDs, d.ID)
			}
		}
	}

	urls := store.AssetURLs{}
	if receipt.GeoJSONURL != "" {
		urls.GeoJSON = &receipt.GeoJSONURL
	}
	if receipt.CoverURL != "" {
		urls.Cover = &receipt.CoverURL
	}
	if receipt.MarkdownURL != "" {
		urls.Markdown = &receipt.MarkdownURL
	}
	if urls.GeoJSON != nil || urls.Cover != nil || urls.Markdown != nil {
		if err := o.store.UpdateAssetURLs(ctx, row.ID, urls); err != nil {
			return Receipt{}, fmt.Errorf("patch asset urls: %w", err)
		}
	}
	return receipt, nil
}

// uploadCover compresses to a bounded JPEG first and falls back to the
// original bytes when compression fails.
func (o *Orchestrator) uploadCover(ctx context.Context, row store.Contribution, slug string, a Assets, warn func(string, error)) string {
	data := a.Cover
	name := "cover.jpg"
	contentType := "image/jpeg"

	compressed, err := CompressCover(a.Cover)
	if err != nil {
		log.Warn().Err(err).Str("contribution", row.ID).Msg("cover compression failed, uploading original")
		if a.CoverType != "" {
			contentType = a.CoverType
		}
		if exts, extErr := mime.ExtensionsByType(contentType); extErr == nil && len(exts) > 0 {
			name = "cover" + exts[0]
		}
	} else {
		data = compressed
	}

	key := blob.ContributionKey(row.Category, slug, row.ID, name)
	url, putErr := o.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	if putErr != nil {
		warn("cover", putErr)
		return ""
	}
	return url
}

func (o *Orchestrator) uploadDocuments(ctx context.Context, row store.Contribution, slug string, docs []Document, warn func(string, error)) []store.Dossier {
	var out []store.Dossier
	for _, doc := range docs {
		if strings.TrimSpace(doc.Title) == "" || len(doc.Data) == 0 {
			continue
		}
		key := blob.DossierKey(slug)
		url, err := o.blobs.Put(ctx, key, bytes.NewReader(doc.Data), int64(len(doc.Data)), "application/pdf")
		if err != nil {
			warn("document "+doc.Title, err)
			continue
		}
		out = append(out, store.Dossier{
			ID:          util.NewID("dos"),
			ProjectName: row.ProjectName,
			Category:    row.Category,
			Title:       strings.TrimSpace(doc.Title),
			PDFURL:      url,
		})
	}
	return out
}
