package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/jamesrr39/goutil/errorsx"
	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/internal/scrape"
	"github.com/kiesman99/iiif-stitch/internal/stitcher"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
	"github.com/oapi-codegen/runtime"
)

// MaxWorkers caps the worker count a client may request
const MaxWorkers = 32

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version"`
}

// StitchParams are the query parameters of the stitch endpoint
type StitchParams struct {
	Source  string `json:"source"`
	Workers *int   `json:"workers,omitempty"`
}

// SourcesRequest asks for the tile sources embedded in a page
type SourcesRequest struct {
	PageURL string `json:"page_url"`
	HTML    string `json:"html"`
}

// SourcesResponse lists extracted tile sources
type SourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

// SourceInfo describes one extracted tile source
type SourceInfo struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Kind  string `json:"kind"`
}

// Server serves the stitching API
type Server struct {
	startTime time.Time
	version   string
	logger    *logpkg.Logger
	options   stitcher.Options
}

// NewServer creates a new server instance
func NewServer(version string, opts stitcher.Options, logger *logpkg.Logger) *Server {
	return &Server{
		startTime: time.Now(),
		version:   version,
		logger:    logger,
		options:   opts,
	}
}

// Routes mounts the API handlers on r
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.GetHealth)
	r.Get("/stitch", s.GetStitchedImage)
	r.Post("/sources", s.ExtractSources)
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("error encoding health response: %v", err)
	}
}

// GetStitchedImage stitches one tile source and returns it as PNG
func (s *Server) GetStitchedImage(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()
	w.Header().Set("X-Request-ID", requestID)

	params, err := bindStitchParams(r.URL.Query())
	if err != nil {
		s.writeError(w, errorsx.Wrap(err, "requestID", requestID), http.StatusBadRequest)
		return
	}

	src, err := tile.ParseSource(1, params.Source)
	if err != nil {
		s.writeError(w, errorsx.Wrap(err, "requestID", requestID), http.StatusBadRequest)
		return
	}

	opts := s.options
	opts.Progress = nil
	if params.Workers != nil {
		if *params.Workers < 1 || *params.Workers > MaxWorkers {
			s.writeError(w, errorsx.Errorf("workers must be between 1 and %d", MaxWorkers), http.StatusBadRequest)
			return
		}
		opts.Workers = *params.Workers
	}

	result := stitcher.New(opts, s.logger).Stitch(r.Context(), src)
	w.Header().Set("X-Stitch-Status", result.Status.String())

	if result.Status == stitcher.StatusFailed {
		s.writeError(w, errorsx.Wrap(result.Err, "requestID", requestID, "source", src.URL), http.StatusBadGateway)
		return
	}

	if len(result.Missing) > 0 {
		w.Header().Set("X-Missing-Tiles", formatCoords(result.Missing))
	}
	if result.Warnings > 0 {
		w.Header().Set("X-Compositing-Warnings", strconv.Itoa(result.Warnings))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, result.Image, imaging.PNG); err != nil {
		s.writeError(w, errorsx.Wrap(err, "requestID", requestID), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("error writing response: %v", err)
	}
}

// ExtractSources returns the tile sources of an OpenSeadragon page. The page
// is fetched when no HTML is supplied.
func (s *Server) ExtractSources(w http.ResponseWriter, r *http.Request) {
	var req SourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errorsx.Wrap(err), http.StatusBadRequest)
		return
	}
	if req.PageURL == "" {
		s.writeError(w, errorsx.Errorf("page_url is required"), http.StatusBadRequest)
		return
	}

	page := req.HTML
	if page == "" {
		var err error
		page, err = scrape.FetchPage(r.Context(), s.options.Client, req.PageURL, s.options.UserAgent)
		if err != nil {
			s.writeError(w, errorsx.Wrap(err, "pageURL", req.PageURL), http.StatusBadGateway)
			return
		}
	}

	urls, err := scrape.ExtractTileSources(req.PageURL, page)
	if err != nil {
		s.writeError(w, errorsx.Wrap(err), http.StatusUnprocessableEntity)
		return
	}

	response := SourcesResponse{Sources: []SourceInfo{}}
	for i, u := range urls {
		src, err := tile.ParseSource(i+1, u)
		if err != nil {
			continue
		}
		response.Sources = append(response.Sources, SourceInfo{Index: src.Index, URL: src.URL, Kind: src.Kind.String()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("error encoding sources response: %v", err)
	}
}

func bindStitchParams(query url.Values) (*StitchParams, error) {
	var params StitchParams

	if err := runtime.BindQueryParameter("form", true, true, "source", query, &params.Source); err != nil {
		return nil, fmt.Errorf("invalid format for parameter source: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "workers", query, &params.Workers); err != nil {
		return nil, fmt.Errorf("invalid format for parameter workers: %w", err)
	}

	return &params, nil
}

func (s *Server) writeError(w http.ResponseWriter, err errorsx.Error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	errorsx.HTTPJSONError(w, s.logger, err, statusCode)
}

func formatCoords(coords []tile.Coord) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%d,%d", c.Col, c.Row)
	}
	return strings.Join(parts, ";")
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
