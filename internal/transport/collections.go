package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rpggio/chairside/internal/domain/record"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := record.ValidateCollection(collection); err != nil {
		WriteGatewayError(w, err)
		return
	}
	filter, order, err := ParseQuery(r.URL.Query())
	if err != nil {
		WriteGatewayError(w, err)
		return
	}

	recs, err := s.gw.Query(r.Context(), collection, filter, order)
	if err != nil {
		s.logger.Warn("query failed", "collection", collection, "error", err)
		WriteGatewayError(w, err)
		return
	}
	if recs == nil {
		recs = []record.Record{}
	}
	WriteResult(w, http.StatusOK, ListResponse{Records: recs})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := record.ValidateCollection(collection); err != nil {
		WriteGatewayError(w, err)
		return
	}
	fields, err := ParseFields(r.Body)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}
	if err := record.ValidatePayload(fields); err != nil {
		WriteGatewayError(w, err)
		return
	}

	rec, err := s.gw.Insert(r.Context(), collection, fields)
	if err != nil {
		s.logger.Warn("insert failed", "collection", collection, "error", err)
		WriteGatewayError(w, err)
		return
	}
	WriteResult(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	if err := record.ValidateCollection(collection); err != nil {
		WriteGatewayError(w, err)
		return
	}
	fields, err := ParseFields(r.Body)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}
	if err := record.ValidatePayload(fields); err != nil {
		WriteGatewayError(w, err)
		return
	}

	if err := s.gw.Update(r.Context(), collection, id, fields); err != nil {
		s.logger.Warn("update failed", "collection", collection, "id", id, "error", err)
		WriteGatewayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	if err := record.ValidateCollection(collection); err != nil {
		WriteGatewayError(w, err)
		return
	}

	if err := s.gw.Delete(r.Context(), collection, id); err != nil {
		s.logger.Warn("delete failed", "collection", collection, "id", id, "error", err)
		WriteGatewayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "no session")
		return
	}
	WriteResult(w, http.StatusOK, sess)
}

// TokenRequest exchanges an API key for a bearer token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse carries an issued bearer token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.APIKey == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "api_key is required")
		return
	}

	userID, err := s.apiKeys.ResolveAPIKey(r.Context(), req.APIKey)
	if err != nil {
		s.logger.Info("api key rejected", "error", err)
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
		return
	}
	token, expires, err := s.issuer.Issue(userID, "")
	if err != nil {
		s.logger.Error("issue token failed", "user_id", userID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	WriteResult(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires})
}
