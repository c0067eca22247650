/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web exposes the HTTP API of the work package service. Each
// route maps onto a single repository call; the handlers themselves are
// stateless. Two bearer schemes share the Authorization header: user
// routes verify a signed JWT, work package routes pass the opaque access
// token through to the repository.
package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/ghga-de/wps"
	"github.com/ghga-de/wps/lib/crypt"
	"github.com/ghga-de/wps/lib/workpackage"
)

// workOrderCacheControl bounds response caching to the work order token
// lifetime.
const workOrderCacheControl = "max-age=30, private"

// Config holds the handler dependencies.
type Config struct {
	// Repository is the work package engine.
	Repository *workpackage.Repository
	// Verifier verifies inbound user bearer tokens.
	Verifier *crypt.Verifier
	// Clock is used to check bearer token validity.
	Clock clockwork.Clock
	// Logger is an optional logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Repository == nil {
		return trace.BadParameter("missing parameter Repository")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(wps.ComponentKey, wps.ComponentWeb)
	return nil
}

// Handler is the HTTP API of the work package service.
type Handler struct {
	httprouter.Router

	cfg Config
	log *slog.Logger
}

// NewHandler creates the API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, log: cfg.Logger}
	h.Router = *httprouter.New()

	h.GET("/health", makeHandler(h.log, h.health))
	h.POST("/work-packages", makeHandler(h.log, h.createWorkPackage))
	h.GET("/work-packages/:work_package_id", makeHandler(h.log, h.getWorkPackage))
	h.POST("/work-packages/:work_package_id/files/:accession/work-order-tokens",
		makeHandler(h.log, h.createDownloadWorkOrderToken))
	h.POST("/work-packages/:work_package_id/boxes/:box_id/work-order-tokens",
		makeHandler(h.log, h.createUploadWorkOrderToken))
	h.GET("/users/:user_id/datasets", makeHandler(h.log, h.getDatasets))
	h.GET("/users/:user_id/boxes", makeHandler(h.log, h.getUploadBoxes))

	return h, nil
}

// bearerToken extracts the credential from the Authorization header. A
// missing credential is denied access rather than challenged, matching
// the repository's failure surface.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", trace.AccessDenied("Not authenticated")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", trace.AccessDenied("Not authenticated")
	}
	return token, nil
}

// authContext verifies the user bearer token and returns its claims.
func (h *Handler) authContext(r *http.Request) (workpackage.AuthContext, error) {
	token, err := bearerToken(r)
	if err != nil {
		return workpackage.AuthContext{}, trace.Wrap(err)
	}
	var auth workpackage.AuthContext
	if err := h.cfg.Verifier.Verify(token, h.cfg.Clock.Now(), &auth); err != nil {
		return workpackage.AuthContext{}, unauthorized(trace.UserMessage(err))
	}
	if auth.ID == "" || auth.Name == "" || auth.Email == "" {
		return workpackage.AuthContext{}, unauthorized("incomplete bearer token claims")
	}
	return auth, nil
}

func (h *Handler) health(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (any, error) {
	return map[string]string{"status": "OK"}, nil
}

func (h *Handler) createWorkPackage(
	_ http.ResponseWriter, r *http.Request, _ httprouter.Params,
) (any, error) {
	auth, err := h.authContext(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var creationData workpackage.WorkPackageCreationData
	if err := readJSON(r, &creationData); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := h.cfg.Repository.Create(r.Context(), creationData, auth)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Response{Code: http.StatusCreated, Body: resp}, nil
}

func (h *Handler) getWorkPackage(
	_ http.ResponseWriter, r *http.Request, p httprouter.Params,
) (any, error) {
	workPackageID, accessToken, err := packageCredentials(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	workPackage, err := h.cfg.Repository.Get(r.Context(), workPackageID, true, accessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return workPackage.Details(), nil
}

func (h *Handler) createDownloadWorkOrderToken(
	_ http.ResponseWriter, r *http.Request, p httprouter.Params,
) (any, error) {
	workPackageID, accessToken, err := packageCredentials(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.cfg.Repository.GetDownloadWorkOrderToken(
		r.Context(), workPackageID, p.ByName("accession"), accessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return workOrderResponse(token), nil
}

func (h *Handler) createUploadWorkOrderToken(
	_ http.ResponseWriter, r *http.Request, p httprouter.Params,
) (any, error) {
	workPackageID, accessToken, err := packageCredentials(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	boxID, err := uuid.Parse(p.ByName("box_id"))
	if err != nil {
		return nil, trace.BadParameter("invalid box id")
	}
	var req workpackage.UploadWorkOrderTokenRequest
	if err := readJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.cfg.Repository.GetUploadWorkOrderToken(
		r.Context(), workPackageID, boxID, req, accessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return workOrderResponse(token), nil
}

func (h *Handler) getDatasets(
	_ http.ResponseWriter, r *http.Request, p httprouter.Params,
) (any, error) {
	userID, err := h.authorizedUser(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	datasets, err := h.cfg.Repository.GetDatasets(r.Context(), userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return datasets, nil
}

func (h *Handler) getUploadBoxes(
	_ http.ResponseWriter, r *http.Request, p httprouter.Params,
) (any, error) {
	userID, err := h.authorizedUser(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	boxes, err := h.cfg.Repository.GetUploadBoxes(r.Context(), userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return boxes, nil
}

// authorizedUser verifies the bearer token and checks that the path user
// matches the authenticated user.
func (h *Handler) authorizedUser(r *http.Request, p httprouter.Params) (uuid.UUID, error) {
	auth, err := h.authContext(r)
	if err != nil {
		return uuid.Nil, trace.Wrap(err)
	}
	userID, err := uuid.Parse(auth.ID)
	if err != nil {
		return uuid.Nil, trace.AccessDenied("No internal user specified")
	}
	if p.ByName("user_id") != auth.ID {
		return uuid.Nil, trace.AccessDenied("Not authorized to access this user")
	}
	return userID, nil
}

// packageCredentials extracts the work package id and the opaque access
// token. An unparseable id is reported exactly like an unknown one.
func packageCredentials(r *http.Request, p httprouter.Params) (uuid.UUID, string, error) {
	accessToken, err := bearerToken(r)
	if err != nil {
		return uuid.Nil, "", trace.Wrap(err)
	}
	workPackageID, err := uuid.Parse(p.ByName("work_package_id"))
	if err != nil {
		return uuid.Nil, "", trace.AccessDenied("Work package not found")
	}
	return workPackageID, accessToken, nil
}

func workOrderResponse(token string) *Response {
	header := http.Header{}
	header.Set("Cache-Control", workOrderCacheControl)
	return &Response{Code: http.StatusCreated, Header: header, Body: token}
}
