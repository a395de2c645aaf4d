// Package iiiftest provides an in-process IIIF Image API server for tests.
package iiiftest

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
)

// Server serves one image both as info.json plus regions and as a direct PNG
type Server struct {
	*httptest.Server

	img      image.Image
	tileSize int

	mu        sync.Mutex
	failures  map[string]int // region -> remaining failures, <0 means forever
	requests  map[string]int
	info      []byte
	inFlight  int32
	maxFlight int32
}

// NewServer starts a server for img advertising square tiles of tileSize.
// A tileSize of 0 omits the tiles array from info.json.
func NewServer(img image.Image, tileSize int) *Server {
	s := &Server{
		img:      img,
		tileSize: tileSize,
		failures: make(map[string]int),
		requests: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/iiif/{id}/info.json", s.handleInfo)
	r.Get("/iiif/{id}/{region}/{size}/{rotation}/{file}", s.handleRegion)
	r.Get("/direct.png", s.handleDirect)

	s.Server = httptest.NewServer(r)
	return s
}

// InfoURL is the info.json endpoint of the served image
func (s *Server) InfoURL() string {
	return s.URL + "/iiif/img/info.json"
}

// DirectURL serves the whole image as a PNG
func (s *Server) DirectURL() string {
	return s.URL + "/direct.png"
}

// SetInfo replaces the info.json body
func (s *Server) SetInfo(body []byte) {
	s.mu.Lock()
	s.info = body
	s.mu.Unlock()
}

// Fail makes requests for region ("x,y,w,h" or "full") fail n times, or forever when n < 0
func (s *Server) Fail(region string, n int) {
	s.mu.Lock()
	s.failures[region] = n
	s.mu.Unlock()
}

// Requests returns how often region was requested
func (s *Server) Requests(region string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[region]
}

// RegionRequests returns the total number of region requests served
func (s *Server) RegionRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.requests {
		total += n
	}
	return total
}

// MaxInFlight returns the highest number of concurrent region requests seen
func (s *Server) MaxInFlight() int {
	return int(atomic.LoadInt32(&s.maxFlight))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := s.info
	s.mu.Unlock()

	if body == nil {
		b := s.img.Bounds()
		info := map[string]interface{}{
			"@context": "http://iiif.io/api/image/2/context.json",
			"@id":      s.URL + "/iiif/" + chi.URLParam(r, "id"),
			"protocol": "http://iiif.io/api/image",
			"width":    b.Dx(),
			"height":   b.Dy(),
			"profile":  []string{"http://iiif.io/api/image/2/level1.json"},
		}
		if s.tileSize > 0 {
			info["tiles"] = []map[string]interface{}{
				{"width": s.tileSize, "scaleFactors": []int{1, 2, 4}},
			}
		}
		body, _ = json.Marshal(info)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")

	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&s.maxFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&s.maxFlight, prev, cur) {
			break
		}
	}

	s.mu.Lock()
	s.requests[region]++
	remaining, failing := s.failures[region]
	if failing && remaining != 0 {
		if remaining > 0 {
			s.failures[region] = remaining - 1
		}
		s.mu.Unlock()
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	s.mu.Unlock()

	rect, err := s.parseRegion(region)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	png.Encode(w, imaging.Crop(s.img, rect))
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	png.Encode(w, s.img)
}

func (s *Server) parseRegion(region string) (image.Rectangle, error) {
	if region == "full" {
		return s.img.Bounds(), nil
	}

	parts := strings.Split(region, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("bad region %q", region)
	}

	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("bad region %q: %w", region, err)
		}
		v[i] = n
	}

	return image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3]).Intersect(s.img.Bounds()), nil
}

// Pattern returns a deterministic test image where every pixel differs from its neighbours
func Pattern(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x)
			img.Pix[i+1] = uint8(y)
			img.Pix[i+2] = uint8(x*7 + y*13)
			img.Pix[i+3] = 255
		}
	}
	return img
}
