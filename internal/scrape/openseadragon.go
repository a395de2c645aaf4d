// Package scrape locates OpenSeadragon tile sources embedded in HTML pages.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	tileSourcesArrayRE  = regexp.MustCompile(`(?s)tileSources\s*:\s*\[(.*?)\]`)
	tileSourcesStringRE = regexp.MustCompile(`tileSources\s*:\s*["']([^"']+)["']`)
	quotedRE            = regexp.MustCompile(`["']([^"']+)["']`)
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".tif": true, ".tiff": true, ".webp": true,
}

// FetchPage downloads the HTML of a page
func FetchPage(ctx context.Context, client *http.Client, pageURL, userAgent string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch page: unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return string(body), nil
}

// ExtractTileSources returns the tile source URLs of every OpenSeadragon
// viewer configured in the page's inline scripts. Only info.json endpoints
// and direct image URLs are kept. Relative URLs are resolved against pageURL.
func ExtractTileSources(pageURL, page string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %q: %w", pageURL, err)
	}

	scripts, err := inlineScripts(page)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var sources []string

	for _, script := range scripts {
		if !strings.Contains(script, "OpenSeadragon") {
			continue
		}

		for _, candidate := range candidates(script) {
			if !isTileSource(candidate) {
				continue
			}
			ref, err := url.Parse(candidate)
			if err != nil {
				continue
			}
			abs := base.ResolveReference(ref).String()
			if seen[abs] {
				continue
			}
			seen[abs] = true
			sources = append(sources, abs)
		}
	}

	return sources, nil
}

func candidates(script string) []string {
	var out []string
	for _, m := range tileSourcesArrayRE.FindAllStringSubmatch(script, -1) {
		for _, q := range quotedRE.FindAllStringSubmatch(m[1], -1) {
			out = append(out, q[1])
		}
	}
	for _, m := range tileSourcesStringRE.FindAllStringSubmatch(script, -1) {
		out = append(out, m[1])
	}
	return out
}

func isTileSource(s string) bool {
	if strings.Contains(s, "info.json") {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}

// inlineScripts returns the text of every <script> element without a src
// attribute whose type is empty or JavaScript
func inlineScripts(page string) ([]string, error) {
	var scripts []string
	z := html.NewTokenizer(strings.NewReader(page))

	inScript := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return scripts, nil
			}
			return nil, fmt.Errorf("parse page: %w", z.Err())
		case html.StartTagToken:
			tok := z.Token()
			if tok.Data == "script" {
				inScript = isInlineJS(tok)
			}
		case html.EndTagToken:
			if z.Token().Data == "script" {
				inScript = false
			}
		case html.TextToken:
			if inScript {
				scripts = append(scripts, string(z.Text()))
			}
		}
	}
}

func isInlineJS(tok html.Token) bool {
	for _, attr := range tok.Attr {
		switch attr.Key {
		case "src":
			return false
		case "type":
			t := strings.ToLower(strings.TrimSpace(attr.Val))
			if t != "" && t != "text/javascript" && t != "application/javascript" && t != "module" {
				return false
			}
		}
	}
	return true
}
