/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kentakayama/keyauth/internal/challenge"
	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
	"github.com/kentakayama/keyauth/internal/domain/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	maxRequestBodyBytes = 1 << 20
	contentTypeJSON     = "application/json"
	contentTypeCOSE     = "application/cose"
)

// user names double as URL path segments of the key directory
var validUserName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,63}$`)

type handler struct {
	challenges  *challenge.Manager
	users       service.UserRepository
	envelope    *challenge.Envelope
	allowOrigin string
	logger      *logrus.Logger
	mux         *http.ServeMux
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
}

// registerRequest registers a new user, or rotates the key of an existing
// one when Solution is set.
type registerRequest struct {
	Email    string `json:"email"`
	Key      string `json:"key"`
	Solution string `json:"solution,omitempty"`
}

type userResponse struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

type solutionRequest struct {
	Solution string `json:"solution"`
}

func newHandler(challenges *challenge.Manager, users service.UserRepository, envelope *challenge.Envelope, allowOrigin string, logger *logrus.Logger) *handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	h := &handler{
		challenges:  challenges,
		users:       users,
		envelope:    envelope,
		allowOrigin: allowOrigin,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /api/challenge/{user}", h.getChallenge)
	h.mux.HandleFunc("POST /api/verify/{user}", h.verify)
	h.mux.HandleFunc("GET /api/user/{user}", h.getUser)
	h.mux.HandleFunc("PUT /api/user/{user}", h.putUser)
	h.mux.HandleFunc("DELETE /api/user/{user}", h.deleteUser)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", h.allowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "PUT, GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Origin, Accept, Content-Type, X-Requested-With")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *handler) getChallenge(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromPath(w, r)
	if !ok {
		return
	}

	payload, err := h.challenges.GetChallenge(r.Context(), user)
	if err != nil {
		h.writeChallengeError(w, r, user, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), contentTypeCOSE) {
		sealed, err := h.envelope.Seal(payload)
		if err != nil {
			h.requestLogger(r).WithError(err).Error("failed to sign challenge")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		h.writeResponse(w, responseSpec{status: http.StatusOK, body: sealed, contentType: contentTypeCOSE})
		return
	}

	h.writeJSON(w, http.StatusOK, payload)
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var req solutionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if !h.authenticate(w, r, user, req.Solution) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromPath(w, r)
	if !ok {
		return
	}

	u, err := h.users.FindByName(r.Context(), user)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.requestLogger(r).WithError(err).Error("failed to find user")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, userResponse{
		Name:      u.Name,
		Email:     u.Email,
		Key:       u.PublicKey,
		CreatedAt: u.CreatedAt,
	})
}

func (h *handler) putUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if _, err := challenge.ParsePublicKey(req.Key); err != nil {
		h.requestLogger(r).WithError(err).WithField("user", user).Info("rejected public key")
		http.Error(w, "key must be a PEM encoded RSA public key of at least 2048 bits", http.StatusUnprocessableEntity)
		return
	}

	if req.Solution != "" {
		h.rotateKey(w, r, user, req)
		return
	}
	h.registerUser(w, r, user, req)
}

func (h *handler) registerUser(w http.ResponseWriter, r *http.Request, user string, req registerRequest) {
	_, err := h.users.Create(r.Context(), &model.User{
		Name:      user,
		Email:     req.Email,
		PublicKey: req.Key,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, "user already exists", http.StatusConflict)
		return
	case err != nil:
		h.requestLogger(r).WithError(err).Error("failed to create user")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.requestLogger(r).WithField("user", user).Info("registered user")
	w.WriteHeader(http.StatusCreated)
}

// rotateKey replaces the key of user once a challenge sealed to the current
// key is solved. The next challenge is sealed to the new key.
func (h *handler) rotateKey(w http.ResponseWriter, r *http.Request, user string, req registerRequest) {
	if !h.authenticate(w, r, user, req.Solution) {
		return
	}

	if err := h.users.UpdatePublicKey(r.Context(), user, req.Key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.requestLogger(r).WithError(err).Error("failed to update public key")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.requestLogger(r).WithField("user", user).Info("rotated public key")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var req solutionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if !h.authenticate(w, r, user, req.Solution) {
		return
	}

	if err := h.users.DeleteByName(r.Context(), user); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.requestLogger(r).WithError(err).Error("failed to delete user")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.requestLogger(r).WithField("user", user).Info("deleted user")
	w.WriteHeader(http.StatusNoContent)
}

// authenticate redeems solution, so each one is accepted at most once. It
// writes the failure response itself; mismatches, replays and unknown users
// look alike.
func (h *handler) authenticate(w http.ResponseWriter, r *http.Request, user, solution string) bool {
	ok, err := h.challenges.Redeem(r.Context(), user, solution)
	if err != nil && !errors.Is(err, challenge.ErrUnknownUser) {
		h.writeChallengeError(w, r, user, err)
		return false
	}
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *handler) writeChallengeError(w http.ResponseWriter, r *http.Request, user string, err error) {
	switch {
	case errors.Is(err, challenge.ErrUnknownUser):
		http.NotFound(w, r)
	case errors.Is(err, challenge.ErrInvalidPublicKey):
		h.requestLogger(r).WithError(err).WithField("user", user).Warn("stored public key is unusable")
		http.Error(w, "stored public key is invalid", http.StatusUnprocessableEntity)
	default:
		h.requestLogger(r).WithError(err).WithField("user", user).Error("challenge processing failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) userFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.PathValue("user")
	if !validUserName.MatchString(user) {
		http.Error(w, "invalid user name", http.StatusBadRequest)
		return "", false
	}
	return user, true
}

func (h *handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.requestLogger(r).WithError(err).Info("failed reading request body")
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "request body must be a JSON object", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.writeResponse(w, responseSpec{status: status, body: body, contentType: contentTypeJSON})
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec) {
	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			h.logger.WithError(err).Warn("failed writing response body")
		}
		return
	}

	w.WriteHeader(spec.status)
}

func (h *handler) requestLogger(r *http.Request) *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"remote": r.RemoteAddr,
	})
}

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}
