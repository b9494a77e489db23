package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/auth"
	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "context-ta backend is running\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// currentUser resolves the authenticated subject to a user, creating it on first use.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, msgRequiresAuth)
		return nil, false
	}
	user, err := s.svc.EnsureUser(r.Context(), models.UserProfile{ExternalUserID: subject})
	if err != nil {
		s.respondServiceError(w, err)
		return nil, false
	}
	return user, true
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	expanded, err := s.svc.GetUserExpanded(r.Context(), user.Key)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, expanded)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	var update models.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.svc.UpdateUser(r.Context(), user.Key, update)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	if err := s.svc.RemoveUser(r.Context(), user.Key); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAttachDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	var input models.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := s.svc.AttachDocument(r.Context(), user.Key, input)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleImportDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	s.logger.Debug("import document request", zap.String("file", header.Filename), zap.Int("bytes", len(content)))
	doc, err := s.svc.ImportDocument(r.Context(), user.Key, header.Filename, content)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

// ownsDocument writes a 404 unless the document belongs to user.
func (s *Server) ownsDocument(w http.ResponseWriter, r *http.Request, user *models.User, key string) bool {
	owner, err := s.svc.DocumentOwner(r.Context(), key)
	if err != nil {
		s.respondServiceError(w, err)
		return false
	}
	if owner != user.Key {
		s.respondError(w, http.StatusNotFound, "document not found")
		return false
	}
	return true
}

func (s *Server) ownsConversation(w http.ResponseWriter, r *http.Request, user *models.User, key string) bool {
	owner, err := s.svc.ConversationOwner(r.Context(), key)
	if err != nil {
		s.respondServiceError(w, err)
		return false
	}
	if owner != user.Key {
		s.respondError(w, http.StatusNotFound, "conversation not found")
		return false
	}
	return true
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if !s.ownsDocument(w, r, user, key) {
		return
	}
	if err := s.svc.RemoveDocument(r.Context(), key); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"key": key, "status": "deleted"})
}

func (s *Server) handleAttachConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if !s.ownsDocument(w, r, user, key) {
		return
	}
	var seed models.ConversationSeed
	if err := json.NewDecoder(r.Body).Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := s.svc.AttachConversation(r.Context(), key, seed)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if !s.ownsConversation(w, r, user, key) {
		return
	}
	if err := s.svc.RemoveConversation(r.Context(), key); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"key": key, "status": "deleted"})
}

func (s *Server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if !s.ownsConversation(w, r, user, key) {
		return
	}
	var entry models.ConversationEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := s.svc.AppendEntry(r.Context(), key, entry)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	q := &models.EntryQuery{
		UserKey:     user.Key,
		Query:       r.URL.Query().Get("q"),
		DocumentKey: r.URL.Query().Get("document"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		q.Limit = limit
	}
	s.logger.Debug("search request", zap.String("query", q.Query), zap.Int("limit", q.Limit))
	resp, err := s.svc.SearchEntries(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// respondServiceError maps the error taxonomy to a status code.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrDuplicateUser),
		errors.Is(err, models.ErrDuplicateDocumentHash),
		errors.Is(err, models.ErrDuplicateConversation),
		errors.Is(err, models.ErrIntegrityViolation):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrValidation):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrIdentityExhausted):
		s.logger.Error("identity generation exhausted", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrTimeout):
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, models.ErrExternalService):
		s.logger.Error("external service failed", zap.Error(err))
		s.respondError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, msgInternalError)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
