package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"urbachamp/api/internal/scope"
	"urbachamp/api/internal/store"
)

func newTestServer(st *fakeStore) (http.Handler, *Service) {
	svc, _, _, _ := newTestService(st)
	return NewHTTPServer(svc, "*").Handler(), svc
}

func issueToken(t *testing.T, handler http.Handler, userID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"userId":%q,"email":"%s@example.org"}`, userID, userID)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/session", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue session status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func authedRequest(method, target, token string, body *bytes.Buffer) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestServer(newFakeStore())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestPreflightIsAllowed(t *testing.T) {
	handler, _ := newTestServer(newFakeStore())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/contributions", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestContributionsRequireSession(t *testing.T) {
	handler, _ := newTestServer(newFakeStore())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/contributions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionEndpointReportsRole(t *testing.T) {
	st := newFakeStore()
	st.profiles["u1"] = scope.Profile{Role: scope.RoleAdmin, Cities: []string{"lyon"}}
	handler, _ := newTestServer(st)
	token := issueToken(t, handler, "u1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/session", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Authenticated bool     `json:"authenticated"`
		Role          string   `json:"role"`
		Villes        []string `json:"villes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Authenticated || resp.Role != "admin" || len(resp.Villes) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestListContributionsResponseShape(t *testing.T) {
	st := newFakeStore()
	st.profiles["u1"] = scope.Profile{Role: scope.RoleInvited, Cities: []string{"lyon"}}
	city := "lyon"
	st.listFn = func(store.ListQuery) ([]store.Contribution, error) {
		return []store.Contribution{{ID: "ctb_1", ProjectName: "Parc", City: &city, OwnerID: "u1"}}, nil
	}
	handler, svc := newTestServer(st)
	svc.search = &fakeSearch{listFn: st.listFn}
	token := issueToken(t, handler, "u1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/contributions?search=parc&page=1", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Contributions []struct {
			ID          string  `json:"id"`
			ProjectName string  `json:"projectName"`
			Ville       *string `json:"ville"`
		} `json:"contributions"`
		Page    int  `json:"page"`
		HasMore bool `json:"hasMore"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Contributions) != 1 || resp.Contributions[0].ProjectName != "Parc" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Contributions[0].Ville == nil || *resp.Contributions[0].Ville != "lyon" {
		t.Fatal("ville missing from payload")
	}
	if resp.Page != 1 || resp.HasMore {
		t.Fatalf("paging = %+v", resp)
	}
}

func submitForm(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatal(err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestSubmitContributionCreates(t *testing.T) {
	st := newFakeStore()
	st.profiles["u1"] = scope.Profile{Role: scope.RoleInvited, Cities: []string{"lyon"}}
	handler, _ := newTestServer(st)
	token := issueToken(t, handler, "u1")

	body, contentType := submitForm(t, map[string]string{
		"projectName": "Parc des Berges",
		"category":    "espaces-verts",
		"ville":       "lyon",
		"drawType":    "line",
		"drawPoints":  `[[4.83,45.76],[4.84,45.77]]`,
		"markdown":    "# Parc",
	}, nil)
	req := authedRequest(http.MethodPost, "/api/contributions", token, body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Contribution struct {
			ID          string `json:"id"`
			ProjectName string `json:"projectName"`
		} `json:"contribution"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Contribution.ID == "" || resp.Contribution.ProjectName != "Parc des Berges" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(st.contributions) != 1 {
		t.Fatal("row not persisted")
	}
}

func TestSubmitWithoutProjectNameIs422(t *testing.T) {
	st := newFakeStore()
	st.profiles["u1"] = scope.Profile{Role: scope.RoleInvited, Cities: []string{"lyon"}}
	handler, _ := newTestServer(st)
	token := issueToken(t, handler, "u1")

	body, contentType := submitForm(t, map[string]string{
		"category":   "espaces-verts",
		"ville":      "lyon",
		"drawType":   "line",
		"drawPoints": `[[4.83,45.76],[4.84,45.77]]`,
	}, nil)
	req := authedRequest(http.MethodPost, "/api/contributions", token, body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "VALIDATION_FAILED" {
		t.Fatalf("code = %q, message %q", resp.Code, resp.Error)
	}
}

func TestApproveForbiddenForInvited(t *testing.T) {
	st := newFakeStore()
	st.profiles["u1"] = scope.Profile{Role: scope.RoleInvited, Cities: []string{"lyon"}}
	city := "lyon"
	st.contributions["ctb_1"] = store.Contribution{ID: "ctb_1", City: &city, OwnerID: "u1"}
	handler, _ := newTestServer(st)
	token := issueToken(t, handler, "u1")

	req := authedRequest(http.MethodPost, "/api/contributions/ctb_1/approve", token, bytes.NewBufferString(`{"approved":true}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}
