package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"urbachamp/api/internal/authoring"
	"urbachamp/api/internal/store"
	"urbachamp/api/internal/upload"
)

const maxSubmitBytes = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/session" {
		s.handleIssueSession(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		s.handleSession(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		if session, ok := s.requireSession(w, r); ok {
			if err := s.service.SignOut(r.Context(), session); err != nil {
				s.writeServiceError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/categories" {
		categories, err := s.service.ListCategories(r.Context(), r.URL.Query().Get("ville"))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": categoryPayloads(categories)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/branding" {
		b, err := s.service.GetBranding(r.Context(), r.URL.Query().Get("ville"))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, brandingPayload(b))
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/contributions":
		s.handleListContributions(w, r, session)
	case r.Method == http.MethodPost && r.URL.Path == "/api/contributions":
		s.handleSubmitContribution(w, r, session, "")
	case r.URL.Path == "/api/branding" && r.Method == http.MethodPut:
		s.handleUpdateBranding(w, r, session)
	case r.Method == http.MethodGet && r.URL.Path == "/api/dossiers":
		dossiers, err := s.service.ListDossiers(r.Context(), r.URL.Query().Get("project"))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dossiers": dossierPayloads(dossiers)})
	case strings.HasPrefix(r.URL.Path, "/api/dossiers/"):
		s.handleDossier(w, r, session, strings.TrimPrefix(r.URL.Path, "/api/dossiers/"))
	case r.Method == http.MethodGet && r.URL.Path == "/api/admin/users":
		users, err := s.service.ListUsers(r.Context(), session)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": userPayloads(users)})
	case strings.HasPrefix(r.URL.Path, "/api/admin/users/"):
		s.handleUserRole(w, r, session, strings.TrimPrefix(r.URL.Path, "/api/admin/users/"))
	case strings.HasPrefix(r.URL.Path, "/api/contributions/"):
		s.handleContribution(w, r, session, strings.TrimPrefix(r.URL.Path, "/api/contributions/"))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"blob":     map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.BlobHealth(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["blob"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, session, err := s.service.IssueSession(r.Context(), body.UserID, body.Email)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"userId":    session.UserID,
		"email":     session.Email,
		"role":      string(session.Profile.Role),
		"villes":    session.Profile.Cities,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":    true,
		"userId":           session.UserID,
		"email":            session.Email,
		"role":             string(session.Profile.Role),
		"villes":           session.Profile.Cities,
		"listPageSize":     s.service.cfg.ListPageSize,
		"searchDebounceMs": s.service.cfg.SearchDebounce.Milliseconds(),
	})
}

func (s *HTTPServer) handleListContributions(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	opts := ListOptions{
		Search:   query.Get("search"),
		Category: query.Get("category"),
		City:     query.Get("ville"),
		SortBy:   query.Get("sortBy"),
		SortDir:  query.Get("sortDir"),
		Page:     page,
		MineOnly: query.Get("mine") == "true",
	}
	result, err := s.service.ListContributions(r.Context(), session, opts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contributions": contributionPayloads(result.Items),
		"page":          result.Page,
		"hasMore":       result.HasMore,
	})
}

func (s *HTTPServer) handleContribution(w http.ResponseWriter, r *http.Request, session Session, rest string) {
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 && parts[1] == "approve" && r.Method == http.MethodPost {
		var body struct {
			Approved bool `json:"approved"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		row, err := s.service.ApproveContribution(r.Context(), session, id, body.Approved)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contributionPayload(row))
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		row, err := s.service.GetContribution(r.Context(), session, id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contributionPayload(row))
	case http.MethodPut:
		s.handleSubmitContribution(w, r, session, id)
	case http.MethodDelete:
		if err := s.service.DeleteContribution(r.Context(), session, id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleSubmitContribution accepts the multipart authoring payload for both
// create (empty id) and edit.
func (s *HTTPServer) handleSubmitContribution(w http.ResponseWriter, r *http.Request, session Session, id string) {
	input, err := parseContributionForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var result authoring.Result
	if id == "" {
		result, err = s.service.CreateContribution(r.Context(), session, input)
	} else {
		result, err = s.service.UpdateContribution(r.Context(), session, id, input)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"contribution": contributionPayload(result.Row),
		"warnings":     result.Receipt.Warnings,
	})
}

func (s *HTTPServer) handleUpdateBranding(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Ville        string `json:"ville"`
		DisplayName  string `json:"displayName"`
		PrimaryColor string `json:"primaryColor"`
		LogoURL      string `json:"logoUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	b := store.Branding{City: body.Ville, DisplayName: body.DisplayName, PrimaryColor: body.PrimaryColor, LogoURL: body.LogoURL}
	if err := s.service.UpdateBranding(r.Context(), session, b); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, brandingPayload(b))
}

func (s *HTTPServer) handleDossier(w http.ResponseWriter, r *http.Request, session Session, id string) {
	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RenameDossier(r.Context(), session, id, body.Title); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := s.service.DeleteDossier(r.Context(), session, id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleUserRole(w http.ResponseWriter, r *http.Request, session Session, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "role" || r.Method != http.MethodPut {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	var body struct {
		Role  string `json:"role"`
		Ville string `json:"ville"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetUserRole(r.Context(), session, parts[0], body.Role, body.Ville); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func parseContributionForm(r *http.Request) (ContributionInput, error) {
	if err := r.ParseMultipartForm(maxSubmitBytes); err != nil {
		return ContributionInput{}, err
	}

	input := ContributionInput{
		ProjectName: r.FormValue("projectName"),
		Category:    r.FormValue("category"),
		OfficialURL: r.FormValue("officialUrl"),
		Meta:        r.FormValue("meta"),
		Description: r.FormValue("description"),
		City:        r.FormValue("ville"),
		DrawType:    r.FormValue("drawType"),
		Markdown:    []byte(r.FormValue("markdown")),
	}

	if raw := r.FormValue("drawPoints"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.DrawPoints); err != nil {
			return ContributionInput{}, err
		}
	}

	if data, _, err := formFile(r, "geometry"); err == nil {
		input.GeometryFile = data
	}
	if data, header, err := formFile(r, "cover"); err == nil {
		input.Cover = data
		input.CoverType = header
	}

	var titles []string
	if raw := r.FormValue("documentTitles"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &titles); err != nil {
			return ContributionInput{}, err
		}
	}
	if r.MultipartForm != nil {
		for i, fh := range r.MultipartForm.File["documents"] {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			title := ""
			if i < len(titles) {
				title = titles[i]
			}
			input.Documents = append(input.Documents, upload.Document{
				Title:    title,
				Filename: fh.Filename,
				Data:     data,
			})
		}
	}
	return input, nil
}

func formFile(r *http.Request, name string) ([]byte, string, error) {
	f, header, err := r.FormFile(name)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, header.Header.Get("Content-Type"), nil
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, err)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var derr *DomainError
	if errors.As(err, &derr) {
		writeError(w, derr.Status, derr.Code, derr.Message, derr.Details)
		return
	}
	log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
