package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"folio/api/internal/auth"
	"folio/api/internal/collab"
	"folio/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	verifier   *auth.Verifier
	corsOrigin string
	log        *zap.Logger
	router     *mux.Router
}

func NewHTTPServer(service *Service, verifier *auth.Verifier, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &HTTPServer{service: service, verifier: verifier, corsOrigin: corsOrigin, log: log}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.router.ServeHTTP(w, r)
	}))
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleNotFound)

	r.HandleFunc("/auth-session", s.handleAuthSession).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = http.HandlerFunc(handleNotFound)
	api.MethodNotAllowedHandler = http.HandlerFunc(handleNotFound)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleUpdateDocument).Methods(http.MethodPatch)
	api.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/access", s.handleMyAccess).Methods(http.MethodGet)

	api.HandleFunc("/documents/{id}/permissions", s.handleListPermissions).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/permissions", s.handleGrant).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}/permissions", s.handleRevoke).Methods(http.MethodDelete)

	api.HandleFunc("/documents/{id}/share-links", s.handleListShareLinks).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/share-links", s.handleCreateShareLink).Methods(http.MethodPost)
	api.HandleFunc("/share-links/{id}", s.handleDeleteShareLink).Methods(http.MethodDelete)
	api.HandleFunc("/share/{token}", s.handleShareLinkByToken).Methods(http.MethodGet)

	api.HandleFunc("/documents/{id}/versions", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/versions", s.handleCreateVersion).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}", s.handleGetVersion).Methods(http.MethodGet)

	api.HandleFunc("/folders", s.handleListFolders).Methods(http.MethodGet)
	api.HandleFunc("/folders", s.handleCreateFolder).Methods(http.MethodPost)
	api.HandleFunc("/folders/{id}", s.handleMoveFolder).Methods(http.MethodPatch)
	api.HandleFunc("/folders/{id}", s.handleDeleteFolder).Methods(http.MethodDelete)

	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/organization/users", s.handleOrganizationUsers).Methods(http.MethodGet)
	return r
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReady fails only when the database is unreachable. The directory is
// optional, so losing it degrades readiness without failing it.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		s.log.Error("readiness check failed", zap.String("check", "database"), zap.Error(err))
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error"}
	}

	if configured, err := s.service.PingDirectory(ctx); configured {
		checks["directory"] = map[string]any{"status": "ok"}
		if err != nil {
			s.log.Warn("readiness check failed", zap.String("check", "directory"), zap.Error(err))
			checks["directory"] = map[string]any{"status": "error"}
			if status == "ready" {
				status = "degraded"
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"status": status,
		"checks": checks,
	})
}

// handleAuthSession hands the realtime service's response back verbatim on
// success so the client library can consume it directly.
func (s *HTTPServer) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Room  string  `json:"room"`
		Token *string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid JSON in request body", nil)
		return
	}
	if strings.TrimSpace(body.Room) == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", map[string]any{"room": "required"})
		return
	}
	token := ""
	if body.Token != nil {
		token = *body.Token
	}

	resp, err := s.service.AuthorizeSession(r.Context(), identity, body.Room, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var (
		docs []store.Document
		err  error
	)
	if raw := r.URL.Query().Get("ids"); raw != "" {
		docs, err = s.service.GetDocumentsByIDs(r.Context(), identity, strings.Split(raw, ","))
	} else {
		docs, err = s.service.ListDocuments(r.Context(), identity)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": documentsJSON(docs)})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var input CreateDocumentInput
	if !decodeOrReject(w, r, &input) {
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), identity, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": documentJSON(doc)})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	doc, decision, err := s.service.GetDocument(r.Context(), identity, mux.Vars(r)["id"], shareToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": documentJSON(doc),
		"access":   decisionJSON(decision),
	})
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var input UpdateDocumentInput
	if !decodeOrReject(w, r, &input) {
		return
	}
	doc, err := s.service.UpdateDocument(r.Context(), identity, mux.Vars(r)["id"], shareToken(r), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteDocument(r.Context(), identity, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMyAccess(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	mine, err := s.service.MyPermission(r.Context(), identity, mux.Vars(r)["id"], shareToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": mine})
}

func (s *HTTPServer) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	perms, err := s.service.ListPermissions(r.Context(), identity, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(perms))
	for _, perm := range perms {
		items = append(items, permissionJSON(perm))
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": items})
}

func (s *HTTPServer) handleGrant(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	id, err := s.service.Grant(r.Context(), identity, mux.Vars(r)["id"], body.UserID, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *HTTPServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := s.service.Revoke(r.Context(), identity, mux.Vars(r)["id"], r.URL.Query().Get("userId")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListShareLinks(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	links, err := s.service.ListShareLinks(r.Context(), identity, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(links))
	for _, link := range links {
		items = append(items, shareLinkJSON(link))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shareLinks": items})
}

func (s *HTTPServer) handleCreateShareLink(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var input CreateShareLinkInput
	if !decodeOrReject(w, r, &input) {
		return
	}
	link, err := s.service.CreateShareLink(r.Context(), identity, mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shareLink": shareLinkJSON(link)})
}

func (s *HTTPServer) handleDeleteShareLink(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteShareLink(r.Context(), identity, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleShareLinkByToken(w http.ResponseWriter, r *http.Request) {
	link, err := s.service.GetShareLinkByToken(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shareLink": shareLinkJSON(link)})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	versions, err := s.service.ListVersions(r.Context(), identity, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionJSON(version))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": items})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var input CreateVersionInput
	if !decodeOrReject(w, r, &input) {
		return
	}
	version, err := s.service.CreateVersion(r.Context(), identity, mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": versionJSON(version)})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	version, err := s.service.GetVersion(r.Context(), identity, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": versionJSON(version)})
}

func (s *HTTPServer) handleListFolders(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	folders, err := s.service.ListFolders(r.Context(), identity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(folders))
	for _, folder := range folders {
		items = append(items, folderJSON(folder))
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": items})
}

func (s *HTTPServer) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var input CreateFolderInput
	if !decodeOrReject(w, r, &input) {
		return
	}
	folder, err := s.service.CreateFolder(r.Context(), identity, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"folder": folderJSON(folder)})
}

func (s *HTTPServer) handleMoveFolder(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		ParentID *string `json:"parentId"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	folder, err := s.service.MoveFolder(r.Context(), identity, mux.Vars(r)["id"], body.ParentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folder": folderJSON(folder)})
}

func (s *HTTPServer) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteFolder(r.Context(), identity, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "limit must be an integer", nil)
		return
	}
	offset, err := intParam(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "offset must be an integer", nil)
		return
	}
	resp, err := s.service.SearchDocuments(r.Context(), identity, query.Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleOrganizationUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	users, err := s.service.ListOrganizationUsers(r.Context(), identity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// requireIdentity verifies the bearer token and records the caller in the
// profile directory.
func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil)
		return auth.Identity{}, false
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return auth.Identity{}, false
	}
	s.service.RememberIdentity(r.Context(), identity)
	return identity, true
}

// fail writes err as an error envelope. Anything without a public mapping is
// logged and reported as a generic internal error.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
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

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
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
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrReject(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid JSON in request body", nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// shareToken is the optional share-link token carried in the query string.
func shareToken(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil
	case errors.Is(err, collab.ErrRoomRequired):
		return http.StatusBadRequest, CodeValidation, "Invalid request body", map[string]any{"room": "required"}
	case errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound, CodeNotFound, "Document not found", nil
	case errors.Is(err, collab.ErrShareLinkInvalid):
		return http.StatusForbidden, CodeForbidden, "Share link expired or deleted", nil
	case errors.Is(err, collab.ErrAccessDenied):
		return http.StatusForbidden, CodeForbidden, "Access denied to this document", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, CodeInternal, "Internal server error", nil
}
