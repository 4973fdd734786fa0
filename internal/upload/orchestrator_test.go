package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"testing"

	"urbachamp/api/internal/store"
)

type fakeBlobs struct {
	putFn func(key string, data []byte, contentType string) (string, error)
	keys  []string
}

func (f *fakeBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) (string, error) {
	data, _ := io.ReadAll(r)
	f.keys = append(f.keys, key)
	if f.putFn != nil {
		return f.putFn(key, data, contentType)
	}
	return "https://blob.test/bucket/" + key, nil
}

type fakePatcher struct {
	patched  *store.AssetURLs
	dossiers []store.Dossier
	patchErr error
}

func (f *fakePatcher) UpdateAssetURLs(_ context.Context, _ string, urls store.AssetURLs) error {
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patched = &urls
	return nil
}

func (f *fakePatcher) InsertDossiers(_ context.Context, dossiers []store.Dossier) error {
	f.dossiers = append(f.dossiers, dossiers...)
	return nil
}

func testRow() store.Contribution {
	return store.Contribution{ID: "ctb_1", ProjectName: "Parc des Berges", Category: "espaces-verts"}
}

func coverJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("encode test cover: %v", err)
	}
	return buf.Bytes()
}

func TestCommitUploadsInOrderAndPatchesOnce(t *testing.T) {
	blobs := &fakeBlobs{}
	patcher := &fakePatcher{}
	o := NewOrchestrator(blobs, patcher)

	receipt, err := o.Commit(context.Background(), testRow(), Assets{
		Geometry:         []byte(`{"type":"FeatureCollection","features":[]}`),
		GeometryRequired: true,
		Cover:            coverJPEG(t, 10, 10),
		Markdown:         []byte("# Parc"),
		Documents:        []Document{{Title: "Plan masse", Filename: "plan.pdf", Data: []byte("%PDF-")}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(blobs.keys) != 4 {
		t.Fatalf("expected 4 uploads, got %d: %v", len(blobs.keys), blobs.keys)
	}
	wantSuffixes := []string{"geometry.geojson", "cover.jpg", "description.md", ".pdf"}
	for i, suffix := range wantSuffixes {
		if !strings.HasSuffix(blobs.keys[i], suffix) {
			t.Fatalf("upload %d = %s, want suffix %s", i, blobs.keys[i], suffix)
		}
	}

	if patcher.patched == nil {
		t.Fatal("expected asset url patch")
	}
	if patcher.patched.GeoJSON == nil || patcher.patched.Cover == nil || patcher.patched.Markdown == nil {
		t.Fatalf("patch missing urls: %+v", patcher.patched)
	}
	if len(patcher.dossiers) != 1 || patcher.dossiers[0].Title != "Plan masse" {
		t.Fatalf("dossiers = %+v", patcher.dossiers)
	}
	if len(receipt.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", receipt.Warnings)
	}
}

func TestCommitRequiredGeometryFailureAborts(t *testing.T) {
	blobs := &fakeBlobs{putFn: func(key string, _ []byte, _ string) (string, error) {
		if strings.HasSuffix(key, "geometry.geojson") {
			return "", errors.New("bucket down")
		}
		return "https://blob.test/" + key, nil
	}}
	patcher := &fakePatcher{}
	o := NewOrchestrator(blobs, patcher)

	_, err := o.Commit(context.Background(), testRow(), Assets{
		Geometry:         []byte(`{}`),
		GeometryRequired: true,
		Markdown:         []byte("body"),
	})
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if patcher.patched != nil {
		t.Fatal("asset patch must not run after a fatal geometry failure")
	}
}

func TestCommitMissingRequiredGeometryFails(t *testing.T) {
	o := NewOrchestrator(&fakeBlobs{}, &fakePatcher{})
	_, err := o.Commit(context.Background(), testRow(), Assets{GeometryRequired: true})
	if err == nil {
		t.Fatal("expected commit to fail without geometry")
	}
}

func TestCommitOptionalFailuresBecomeWarnings(t *testing.T) {
	blobs := &fakeBlobs{putFn: func(key string, _ []byte, _ string) (string, error) {
		if strings.Contains(key, "cover") || strings.HasSuffix(key, "description.md") {
			return "", errors.New("bucket down")
		}
		return "https://blob.test/" + key, nil
	}}
	patcher := &fakePatcher{}
	o := NewOrchestrator(blobs, patcher)

	receipt, err := o.Commit(context.Background(), testRow(), Assets{
		Geometry:         []byte(`{}`),
		GeometryRequired: true,
		Cover:            coverJPEG(t, 10, 10),
		Markdown:         []byte("body"),
	})
	if err != nil {
		t.Fatalf("commit should survive optional failures: %v", err)
	}
	if len(receipt.Warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", receipt.Warnings)
	}
	if receipt.GeoJSONURL == "" {
		t.Fatal("geometry url missing")
	}
	if patcher.patched == nil || patcher.patched.GeoJSON == nil {
		t.Fatal("geometry url must still be patched")
	}
	if patcher.patched.Cover != nil || patcher.patched.Markdown != nil {
		t.Fatal("failed assets must not be patched")
	}
}

func TestCommitDropsDocumentsMissingTitleOrFile(t *testing.T) {
	blobs := &fakeBlobs{}
	patcher := &fakePatcher{}
	o := NewOrchestrator(blobs, patcher)

	receipt, err := o.Commit(context.Background(), testRow(), Assets{
		Documents: []Document{
			{Title: "  ", Data: []byte("%PDF-")},
			{Title: "Sans fichier"},
			{Title: "Etude d'impact", Data: []byte("%PDF-")},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(patcher.dossiers) != 1 || patcher.dossiers[0].Title != "Etude d'impact" {
		t.Fatalf("dossiers = %+v", patcher.dossiers)
	}
	if len(receipt.DossierIDs) != 1 {
		t.Fatalf("dossier ids = %v", receipt.DossierIDs)
	}
}

func TestCommitCoverCompressionFallsBackToOriginal(t *testing.T) {
	original := []byte("not an image at all")
	var uploaded []byte
	blobs := &fakeBlobs{putFn: func(key string, data []byte, _ string) (string, error) {
		if strings.Contains(key, "cover") {
			uploaded = data
		}
		return "https://blob.test/" + key, nil
	}}
	o := NewOrchestrator(blobs, &fakePatcher{})

	receipt, err := o.Commit(context.Background(), testRow(), Assets{
		Cover:     original,
		CoverType: "image/png",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if receipt.CoverURL == "" {
		t.Fatal("expected cover url despite compression failure")
	}
	if !bytes.Equal(uploaded, original) {
		t.Fatal("fallback must upload the original bytes")
	}
}

func TestCompressCoverBoundsLongestSide(t *testing.T) {
	data := coverJPEG(t, 2400, 600)
	out, err := CompressCover(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode compressed: %v", err)
	}
	if w := img.Bounds().Dx(); w != 2000 {
		t.Fatalf("width = %d, want 2000", w)
	}
	if h := img.Bounds().Dy(); h != 500 {
		t.Fatalf("height = %d, want 500", h)
	}
}
