package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IsakPar/arqivo-sub000/internal/graph"
	"github.com/IsakPar/arqivo-sub000/internal/tenant"
	"github.com/IsakPar/arqivo-sub000/internal/util"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
	maxLimit     = 500
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	adminToken string
}

func NewHTTPServer(service *Service, corsOrigin, adminToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, adminToken: adminToken}
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/internal/tenants" {
		s.handleProvisionTenant(w, r)
		return
	}

	tenantID, err := s.service.ResolveTenant(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	segments := splitPath(r.URL.Path)

	if len(segments) > 0 && segments[0] == "labels" {
		s.handleLabels(w, r, tenantID, segments[1:])
		return
	}

	if len(segments) > 0 && segments[0] == "files" {
		s.handleFiles(w, r, tenantID, segments[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLabels(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, rest []string) {
	// POST /labels
	if r.Method == http.MethodPost && len(rest) == 0 {
		var body struct {
			Name      graph.Cipher `json:"name"`
			SlugToken string       `json:"slugToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		id, err := s.service.CreateLabel(r.Context(), tenantID, body.Name, body.SlugToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return
	}

	// GET /labels/children|ancestors|parents|descendants|files
	if r.Method == http.MethodGet && len(rest) == 1 {
		switch rest[0] {
		case "children":
			s.handleChildren(w, r, tenantID)
			return
		case "ancestors":
			s.handleAncestors(w, r, tenantID)
			return
		case "parents":
			s.handleParents(w, r, tenantID)
			return
		case "descendants":
			s.handleDescendants(w, r, tenantID)
			return
		case "files":
			s.handleLabelFiles(w, r, tenantID)
			return
		}
	}

	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	id, err := util.ParseID(rest[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid label id", nil)
		return
	}

	// PATCH /labels/{id}
	if r.Method == http.MethodPatch && len(rest) == 1 {
		var body struct {
			Name      *graph.Cipher `json:"name"`
			SlugToken *string       `json:"slugToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		if err := s.service.RenameLabel(r.Context(), tenantID, id, body.Name, body.SlugToken); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	// DELETE /labels/{id}?cascade=bool
	if r.Method == http.MethodDelete && len(rest) == 1 {
		cascade := r.URL.Query().Get("cascade") == "true"
		if err := s.service.DeleteLabel(r.Context(), tenantID, id, cascade); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	// POST|DELETE /labels/{id}/edges
	if len(rest) == 2 && rest[1] == "edges" {
		var body struct {
			ParentID string `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		parent, err := util.ParseID(body.ParentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid parent id", nil)
			return
		}
		switch r.Method {
		case http.MethodPost:
			err = s.service.AddEdge(r.Context(), tenantID, parent, id)
		case http.MethodDelete:
			err = s.service.RemoveEdge(r.Context(), tenantID, parent, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "INVALID_INPUT", "Method not allowed", nil)
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	// POST /labels/{id}/move
	if r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "move" {
		var body struct {
			From []string `json:"from"`
			To   string   `json:"to"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		from := make([]uuid.UUID, 0, len(body.From))
		for _, raw := range body.From {
			parsed, err := util.ParseID(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid source parent id", nil)
				return
			}
			from = append(from, parsed)
		}
		to, err := util.ParseID(body.To)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid target parent id", nil)
			return
		}
		if err := s.service.Move(r.Context(), tenantID, id, from, to); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChildren(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) {
	node, after, limit, err := pageParams(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		return
	}
	children, err := s.service.Children(r.Context(), tenantID, node, after, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": labelPayload(children)})
}

func (s *HTTPServer) handleAncestors(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) {
	id, err := util.ParseID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid label id", nil)
		return
	}
	ancestors, err := s.service.Ancestors(r.Context(), tenantID, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ancestors": ancestors})
}

func (s *HTTPServer) handleParents(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) {
	id, err := util.ParseID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid label id", nil)
		return
	}
	parents, err := s.service.Parents(r.Context(), tenantID, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parents": parents})
}

func (s *HTTPServer) handleDescendants(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) {
	node, after, limit, err := pageParams(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		return
	}
	descendants, err := s.service.Descendants(r.Context(), tenantID, node, after, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"descendants": labelPayload(descendants)})
}

func (s *HTTPServer) handleLabelFiles(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) {
	labelID, after, limit, err := pageParams(r, "labelId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		return
	}
	files, err := s.service.LabelFiles(r.Context(), tenantID, labelID, after, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, rest []string) {
	if len(rest) < 2 || rest[1] != "labels" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	fileID, err := util.ParseID(rest[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid file id", nil)
		return
	}

	// GET /files/{fileId}/labels
	if r.Method == http.MethodGet && len(rest) == 2 {
		labels, err := s.service.FileLabels(r.Context(), tenantID, fileID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": labels})
		return
	}

	// POST /files/{fileId}/labels
	if r.Method == http.MethodPost && len(rest) == 2 {
		var body struct {
			LabelID string `json:"labelId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		labelID, err := util.ParseID(body.LabelID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid label id", nil)
			return
		}
		if err := s.service.Attach(r.Context(), tenantID, fileID, labelID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	// DELETE /files/{fileId}/labels/{labelId}
	if r.Method == http.MethodDelete && len(rest) == 3 {
		labelID, err := util.ParseID(rest[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid label id", nil)
			return
		}
		if err := s.service.Detach(r.Context(), tenantID, fileID, labelID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	presented := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "name is required", nil)
		return
	}
	created, key, err := s.service.ProvisionTenant(r.Context(), body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     created.ID,
		"name":   created.Name,
		"apiKey": key,
	})
}

// fail maps an error to the wire and logs internals with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf(`{"request_id":"%s","error":%q}`, requestIDFrom(r.Context()), err.Error())
	}
	writeError(w, status, code, message, details)
}

func labelPayload(labels []graph.Label) []map[string]any {
	payload := make([]map[string]any, len(labels))
	for i, label := range labels {
		payload[i] = map[string]any{
			"id":        label.ID,
			"name":      label.Name,
			"slugToken": label.SlugToken,
		}
	}
	return payload
}

func pageParams(r *http.Request, idParam string) (id, after uuid.UUID, limit int, err error) {
	query := r.URL.Query()

	id = graph.Root
	if raw := query.Get(idParam); raw != "" {
		id, err = util.ParseID(raw)
		if err != nil {
			return uuid.Nil, uuid.Nil, 0, fmt.Errorf("invalid %s", idParam)
		}
	}

	after = graph.Root
	if raw := query.Get("after"); raw != "" {
		after, err = util.ParseID(raw)
		if err != nil {
			return uuid.Nil, uuid.Nil, 0, fmt.Errorf("invalid after cursor")
		}
	}

	limit = defaultLimit
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return uuid.Nil, uuid.Nil, 0, fmt.Errorf("invalid limit")
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	return id, after, limit, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Admin-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, graph.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", "Invalid input", nil
	case errors.Is(err, graph.ErrCycle):
		return http.StatusConflict, "CYCLE_DETECTED", "Edge would create a cycle", nil
	case errors.Is(err, graph.ErrDuplicateSlug):
		return http.StatusConflict, "DUPLICATE_SLUG", "Duplicate slug under parent", nil
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, graph.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflicting concurrent update", nil
	case errors.Is(err, tenant.ErrInvalidKey):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
