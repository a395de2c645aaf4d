package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/internal/iiif/iiiftest"
	"github.com/kiesman99/iiif-stitch/internal/stitcher"
)

// Test server setup
func setupTestServer() *httptest.Server {
	opts := stitcher.DefaultOptions()
	opts.TileThreshold = 100
	opts.Format = "png"
	opts.Retries = 0
	opts.Backoff = time.Millisecond

	apiServer := NewServer("1.0.0-test", opts, logpkg.NewLogger(io.Discard, logpkg.LogLevelError))
	return httptest.NewServer(NewRouter(apiServer, 30*time.Second))
}

func stitchURL(base, source string, extra ...string) string {
	q := url.Values{}
	q.Set("source", source)
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return base + "/api/v1/stitch?" + q.Encode()
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if healthResp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %s", healthResp.Status)
	}
	if healthResp.Version != "1.0.0-test" {
		t.Errorf("Expected version '1.0.0-test', got %v", healthResp.Version)
	}
	if healthResp.Uptime < 0 {
		t.Errorf("Expected valid uptime, got %v", healthResp.Uptime)
	}
	if time.Since(healthResp.Timestamp) > time.Minute {
		t.Errorf("Timestamp seems too old: %v", healthResp.Timestamp)
	}
}

func TestStitchEndpoint_Success(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	ref := iiiftest.Pattern(220, 150)
	iiifSrv := iiiftest.NewServer(ref, 64)
	defer iiifSrv.Close()

	resp, err := http.Get(stitchURL(server.URL, iiifSrv.InfoURL(), "workers", "3"))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %s", contentType)
	}
	if status := resp.Header.Get("X-Stitch-Status"); status != "completed" {
		t.Errorf("Expected X-Stitch-Status completed, got %s", status)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if len(imageData) < 8 || !bytes.Equal(imageData[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		t.Fatal("Response does not appear to be a valid PNG file")
	}

	img, err := png.Decode(bytes.NewReader(imageData))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 220, 150) {
		t.Errorf("Expected 220x150 image, got %v", img.Bounds())
	}
	if !bytes.Equal(imaging.Clone(img).Pix, ref.Pix) {
		t.Error("Stitched image differs from the source image")
	}
}

func TestStitchEndpoint_MissingTiles(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	iiifSrv := iiiftest.NewServer(iiiftest.Pattern(200, 200), 100)
	defer iiifSrv.Close()
	iiifSrv.Fail("0,100,100,100", -1)

	resp, err := http.Get(stitchURL(server.URL, iiifSrv.InfoURL()))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if status := resp.Header.Get("X-Stitch-Status"); status != "completed_with_gaps" {
		t.Errorf("Expected X-Stitch-Status completed_with_gaps, got %s", status)
	}
	if missing := resp.Header.Get("X-Missing-Tiles"); missing != "0,1" {
		t.Errorf("Expected X-Missing-Tiles 0,1, got %q", missing)
	}
}

func TestStitchEndpoint_CompositingWarnings(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	iiifSrv := iiiftest.NewServer(iiiftest.Pattern(230, 230), 100)
	defer iiifSrv.Close()
	iiifSrv.SetInfo([]byte(`{"width":250,"height":250,"tiles":[{"width":100}]}`))

	resp, err := http.Get(stitchURL(server.URL, iiifSrv.InfoURL()))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if warnings := resp.Header.Get("X-Compositing-Warnings"); warnings != "5" {
		t.Errorf("Expected X-Compositing-Warnings 5, got %q", warnings)
	}
}

func TestStitchEndpoint_Errors(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	iiifSrv := iiiftest.NewServer(iiiftest.Pattern(10, 10), 0)
	defer iiifSrv.Close()

	testCases := []struct {
		name           string
		url            string
		expectedStatus int
	}{
		{
			name:           "Missing source",
			url:            server.URL + "/api/v1/stitch",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid source",
			url:            stitchURL(server.URL, "ftp://example.org/info.json"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid workers",
			url:            stitchURL(server.URL, iiifSrv.InfoURL(), "workers", "abc"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Workers out of range",
			url:            stitchURL(server.URL, iiifSrv.InfoURL(), "workers", "1000"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unreachable metadata",
			url:            stitchURL(server.URL, iiifSrv.URL+"/nothing/info.json"),
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(tc.url)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.expectedStatus {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected status %d, got %d. Body: %s", tc.expectedStatus, resp.StatusCode, string(body))
			}

			var errResp struct {
				Message string `json:"message"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errResp.Message == "" {
				t.Error("Expected error message")
			}
		})
	}
}

func TestSourcesEndpoint(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	body, _ := json.Marshal(SourcesRequest{
		PageURL: "https://library.example.org/item/7",
		HTML: `<script>OpenSeadragon({tileSources: [
			"/iiif/2/a/info.json", "https://cdn.example.org/b.jpg"
		]});</script>`,
	})

	resp, err := http.Post(server.URL+"/api/v1/sources", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var sourcesResp SourcesResponse
	if err := json.NewDecoder(resp.Body).Decode(&sourcesResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(sourcesResp.Sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(sourcesResp.Sources))
	}
	if got := sourcesResp.Sources[0]; got.URL != "https://library.example.org/iiif/2/a/info.json" || got.Kind != "iiif" {
		t.Errorf("Unexpected first source: %+v", got)
	}
	if got := sourcesResp.Sources[1]; got.Kind != "image" || got.Index != 2 {
		t.Errorf("Unexpected second source: %+v", got)
	}
}

func TestSourcesEndpoint_InvalidJSON(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/sources", "application/json", strings.NewReader(`{"invalid": json}`))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := setupTestServer()
	defer server.Close()

	req, _ := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/stitch", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin *, got %s", origin)
	}
}
