/*
 * OpenParcel
 * Copyright (C) 2024  The OpenParcel Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package web implements the HTTP API.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/auth"
	"github.com/openparcel/openparcel/lib/cache"
	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/httplib"
	"github.com/openparcel/openparcel/lib/parcel"
	"github.com/openparcel/openparcel/lib/storage"
)

// Config configures the API handler.
type Config struct {
	// Tracker serves tracking requests.
	Tracker *cache.Tracker
	// Auth verifies credentials and manages tokens.
	Auth *auth.Service
	// Storage reads parcels, links and users.
	Storage *storage.Storage
	// Clock stamps request ids.
	Clock clockwork.Clock
	// Logger emits request diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Tracker == nil {
		return trace.BadParameter("missing tracker")
	}
	if c.Auth == nil {
		return trace.BadParameter("missing auth service")
	}
	if c.Storage == nil {
		return trace.BadParameter("missing storage")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentWeb)
	}
	return nil
}

// Handler is the HTTP API surface.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler creates the API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.GET("/", h.handle(h.root))
	h.GET("/ping", h.handle(h.ping))

	h.GET("/track/:id", h.handle(h.trackSlug))
	h.GET("/track/:id/:code", h.handle(h.trackKey))

	h.POST("/register", h.handle(h.register))
	h.POST("/auth/token/new", h.handle(h.tokenNew))
	h.DELETE("/auth/token/:token", h.handle(h.tokenRevoke))

	h.POST("/save/:id", h.handle(h.saveSlug))
	h.DELETE("/save/:id", h.handle(h.unsaveSlug))
	h.POST("/save/:id/:code", h.handle(h.saveKey))
	h.DELETE("/save/:id/:code", h.handle(h.unsaveKey))

	h.POST("/archive/:slug", h.handle(h.archive))
	h.DELETE("/archive/:slug", h.handle(h.unarchive))

	h.GET("/parcels", h.handle(h.listParcels))

	return h, nil
}

// handle stamps each request with its id before dispatching.
func (h *Handler) handle(fn httplib.HandlerFunc) httprouter.Handle {
	handler := httplib.MakeHandler(fn)
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		r = httplib.WithRequestID(r, requestUUID(r, h.cfg.Clock.Now()))
		handler(w, r, p)
	}
}

func (h *Handler) log(r *http.Request) *slog.Logger {
	return h.cfg.Logger.With("req_id", httplib.RequestID(r))
}

// credentials extracts the "username:secret" pair from the request: the
// X-Auth-Token header wins over the auth form/query parameter.
func credentials(r *http.Request) string {
	if creds := r.Header.Get(openparcel.AuthTokenHeader); creds != "" {
		return creds
	}
	return r.FormValue("auth")
}

// user authenticates the request when credentials are present. Anonymous
// requests return a nil user.
func (h *Handler) user(r *http.Request) (*parcel.User, error) {
	creds := credentials(r)
	if creds == "" {
		return nil, nil
	}
	u, err := h.cfg.Auth.Authenticate(r.Context(), creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// requireUser authenticates the request, rejecting anonymous callers.
func (h *Handler) requireUser(r *http.Request) (parcel.User, error) {
	u, err := h.user(r)
	if err != nil {
		return parcel.User{}, trace.Wrap(err)
	}
	if u == nil {
		return parcel.User{}, trace.AccessDenied("authentication required")
	}
	return *u, nil
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]string{"service": "OpenParcel"}, nil
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	w.Header().Set(openparcel.VersionHeader, openparcel.Version)
	return map[string]string{"status": "ok", "version": openparcel.Version}, nil
}

// trackResponse is the payload served for a tracked parcel. The archived
// and name fields are present only for authenticated users that saved the
// parcel.
type trackResponse struct {
	Carrier      string          `json:"carrier"`
	TrackingCode string          `json:"trackingCode"`
	Slug         string          `json:"slug"`
	Created      time.Time       `json:"created"`
	Retrieved    time.Time       `json:"retrieved"`
	Cached       bool            `json:"cached"`
	Outdated     bool            `json:"outdated"`
	Archived     *bool           `json:"archived,omitempty"`
	Name         *string         `json:"name,omitempty"`
	History      json.RawMessage `json:"history"`
}

func (h *Handler) buildTrackResponse(res cache.Result, link *parcel.Link) (trackResponse, error) {
	desc, err := carriers.ByID(res.Parcel.CarrierID)
	if err != nil {
		return trackResponse{}, trace.Wrap(err)
	}
	out := trackResponse{
		Carrier:      res.Parcel.CarrierID,
		TrackingCode: res.Parcel.TrackingCode,
		Slug:         res.Parcel.Slug,
		Created:      res.Parcel.Created,
		Retrieved:    res.Retrieved,
		Cached:       res.Cached,
		Outdated:     res.Parcel.Outdated(h.cfg.Clock.Now(), desc.OutdatedPeriod()),
		History:      res.History,
	}
	if link != nil {
		out.Archived = &link.Archived
		out.Name = &link.Name
	}
	return out, nil
}

// forceAllowed honors force=true only for superusers; everyone else gets
// the cached behavior silently.
func forceAllowed(r *http.Request, user *parcel.User) bool {
	if r.URL.Query().Get("force") != "true" {
		return false
	}
	return user != nil && user.Superuser()
}

func (h *Handler) trackKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	user, err := h.user(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	carrierID, code := p.ByName("id"), p.ByName("code")

	// The caller's own link decides the archived behavior and rides along
	// in the response.
	var link *parcel.Link
	if user != nil {
		if existing, err := h.cfg.Storage.GetParcelByKey(r.Context(), carrierID, code); err == nil {
			if l, err := h.cfg.Storage.GetLink(r.Context(), user.ID, existing.ID); err == nil {
				link = &l
			}
		}
	}

	opts := cache.Options{Force: forceAllowed(r, user)}
	if link != nil {
		opts.Archived = link.Archived
	}
	res, err := h.cfg.Tracker.TrackByKey(r.Context(), carrierID, code, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log(r).Info("Tracked parcel.",
		"carrier", carrierID, "tracking_code", code, "cached", res.Cached)
	return h.buildTrackResponse(res, link)
}

func (h *Handler) trackSlug(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	user, err := h.requireUser(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	slug := p.ByName("id")
	if !parcel.IsSlugValid(slug) {
		return nil, openparcel.NewValidationError("slug %q is malformed", slug)
	}

	// Slugs are resolved through the caller's own parcel list; other
	// users' slugs do not exist as far as they are concerned.
	_, link, err := h.cfg.Storage.GetParcelBySlugForUser(r.Context(), slug, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	res, err := h.cfg.Tracker.TrackBySlug(r.Context(), slug, cache.Options{
		Force:    forceAllowed(r, &user),
		Archived: link.Archived,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log(r).Info("Tracked parcel by slug.", "slug", slug, "cached", res.Cached)
	return h.buildTrackResponse(res, &link)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"id": user.ID, "username": user.Username}, nil
}

func (h *Handler) tokenNew(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	creds := credentials(r)
	if creds == "" {
		return nil, trace.AccessDenied("authentication required")
	}
	// Tokens are minted against the password only.
	user, err := h.cfg.Auth.AuthenticatePassword(r.Context(), creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var req struct {
		Description string `json:"description"`
	}
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	token, err := h.cfg.Auth.IssueToken(r.Context(), user, req.Description)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"token": token}, nil
}

func (h *Handler) tokenRevoke(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	user, err := h.requireUser(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Auth.RevokeToken(r.Context(), user, p.ByName("token")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// resolveKey loads the parcel for a carrier/code pair.
func (h *Handler) resolveKey(r *http.Request, carrierID, code string) (parcel.Parcel, error) {
	if _, err := carriers.ByID(carrierID); err != nil {
		return parcel.Parcel{}, trace.Wrap(err)
	}
	p, err := h.cfg.Storage.GetParcelByKey(r.Context(), carrierID, code)
	return p, trace.Wrap(err)
}

// resolveSlug loads the parcel for a slug.
func (h *Handler) resolveSlug(r *http.Request, slug string) (parcel.Parcel, error) {
	if !parcel.IsSlugValid(slug) {
		return parcel.Parcel{}, openparcel.NewValidationError("slug %q is malformed", slug)
	}
	p, err := h.cfg.Storage.GetParcelBySlug(r.Context(), slug)
	return p, trace.Wrap(err)
}

// save links a parcel into the user's list.
func (h *Handler) save(r *http.Request, target parcel.Parcel) (interface{}, error) {
	user, err := h.requireUser(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if len(req.Name) > defaults.MaxParcelNameLength {
		return nil, openparcel.NewValidationError("parcel name is longer than %d characters", defaults.MaxParcelNameLength)
	}
	err = h.cfg.Storage.CreateLink(r.Context(), parcel.Link{
		UserID:   user.ID,
		ParcelID: target.ID,
		Name:     req.Name,
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("parcel is already in your list")
		}
		return nil, trace.Wrap(err)
	}
	h.log(r).Info("Saved parcel.", "user", user.Username, "slug", target.Slug)
	return map[string]string{"slug": target.Slug}, nil
}

// unsave removes a parcel from the user's list.
func (h *Handler) unsave(r *http.Request, target parcel.Parcel) (interface{}, error) {
	user, err := h.requireUser(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.DeleteLink(r.Context(), user.ID, target.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log(r).Info("Unsaved parcel.", "user", user.Username, "slug", target.Slug)
	return nil, nil
}

func (h *Handler) saveKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	target, err := h.resolveKey(r, p.ByName("id"), p.ByName("code"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.save(r, target)
}

func (h *Handler) unsaveKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	target, err := h.resolveKey(r, p.ByName("id"), p.ByName("code"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.unsave(r, target)
}

func (h *Handler) saveSlug(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	target, err := h.resolveSlug(r, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.save(r, target)
}

func (h *Handler) unsaveSlug(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	target, err := h.resolveSlug(r, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.unsave(r, target)
}

// setArchived flips the archived flag on the caller's link, rejecting
// no-op transitions so clients notice state drift.
func (h *Handler) setArchived(r *http.Request, slug string, archived bool) (interface{}, error) {
	user, err := h.requireUser(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !parcel.IsSlugValid(slug) {
		return nil, openparcel.NewValidationError("slug %q is malformed", slug)
	}
	target, link, err := h.cfg.Storage.GetParcelBySlugForUser(r.Context(), slug, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if link.Archived == archived {
		if archived {
			return nil, trace.AlreadyExists("parcel is already archived")
		}
		return nil, trace.AlreadyExists("parcel is not archived")
	}
	if err := h.cfg.Storage.SetLinkArchived(r.Context(), user.ID, target.ID, archived); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log(r).Info("Changed parcel archival.",
		"user", user.Username, "slug", slug, "archived", archived)
	return map[string]bool{"archived": archived}, nil
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return h.setArchived(r, p.ByName("slug"), true)
}

func (h *Handler) unarchive(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return h.setArchived(r, p.ByName("slug"), false)
}

// listedParcel is one entry of the user's parcel list.
type listedParcel struct {
	Carrier      string          `json:"carrier"`
	TrackingCode string          `json:"trackingCode"`
	Slug         string          `json:"slug"`
	Created      time.Time       `json:"created"`
	Name         string          `json:"name"`
	Archived     bool            `json:"archived"`
	Outdated     bool            `json:"outdated"`
	Retrieved    *time.Time      `json:"retrieved,omitempty"`
	History      json.RawMessage `json:"history,omitempty"`
}

func (h *Handler) listParcels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	user, err := h.requireUser(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views, err := h.cfg.Storage.ListUserParcels(r.Context(), user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := h.cfg.Clock.Now()
	out := make([]listedParcel, 0, len(views))
	for _, view := range views {
		desc, err := carriers.ByID(view.Parcel.CarrierID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		entry := listedParcel{
			Carrier:      view.Parcel.CarrierID,
			TrackingCode: view.Parcel.TrackingCode,
			Slug:         view.Parcel.Slug,
			Created:      view.Parcel.Created,
			Name:         view.Name,
			Archived:     view.Archived,
			Outdated:     view.Parcel.Outdated(now, desc.OutdatedPeriod()),
		}
		if view.Snapshot != nil {
			retrieved := view.Snapshot.Retrieved
			entry.Retrieved = &retrieved
			entry.History = view.Snapshot.Data
		}
		out = append(out, entry)
	}
	return map[string]any{"parcels": out}, nil
}
