// Package mapproxy serves the public web map through this origin so the
// overlay script can open a same-origin WebSocket back to the hub. HTML
// responses get the overlay script injected; everything else passes
// through untouched.
package mapproxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// PathPrefix is where proxied upstream paths are mounted.
	PathPrefix = "/map-proxy/"

	// OverlayPath serves the injected projection script.
	OverlayPath = "/overlay/projection.js"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	maxHTMLBody = 8 << 20
)

// Headers copied from the browser request to the upstream.
var forwardRequestHeaders = []string{
	"Cookie",
	"Range",
	"If-None-Match",
	"If-Modified-Since",
	"If-Range",
	"Accept-Encoding",
}

// Headers copied from the upstream response to the browser.
var forwardResponseHeaders = []string{
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Content-Encoding",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Expires",
	"Vary",
	"Location",
}

// Proxy forwards map traffic to the configured upstream origin.
type Proxy struct {
	origin string
	client *http.Client
	logger zerolog.Logger
}

// New builds a proxy for the given upstream origin, e.g.
// "https://map.nodemc.cc".
func New(origin string, logger zerolog.Logger) *Proxy {
	return &Proxy{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			// Redirects go back to the browser so relative paths keep
			// resolving under the proxy prefix.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// ServeHTTP handles one /map-proxy/* request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstreamPath := strings.TrimPrefix(r.URL.Path, PathPrefix)
	target := p.origin + "/" + upstreamPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		http.Error(w, "bad proxy target", http.StatusBadGateway)
		return
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", r.Header.Get("Accept"))
	req.Header.Set("Accept-Language", r.Header.Get("Accept-Language"))
	req.Header.Set("Referer", p.origin+"/")
	for _, name := range forwardRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("target", target).Msg("Upstream map request failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		p.serveInjectedHTML(w, resp, contentType)
		return
	}

	for _, name := range forwardResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// serveInjectedHTML rewrites an HTML response to load the overlay script.
// The body is re-served identity-encoded, so the upstream's length and
// encoding headers are dropped.
func (p *Proxy) serveInjectedHTML(w http.ResponseWriter, resp *http.Response, contentType string) {
	var reader io.Reader = io.LimitReader(resp.Body, maxHTMLBody)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			http.Error(w, "bad upstream encoding", http.StatusBadGateway)
			return
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}
	body = InjectOverlay(body)

	for _, name := range forwardResponseHeaders {
		switch name {
		case "Content-Encoding", "Content-Length":
			continue
		}
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

var overlayTag = []byte(`<script src="` + OverlayPath + `"></script>`)

// InjectOverlay places the overlay script tag before </body>, falling
// back to </html>, falling back to appending.
func InjectOverlay(body []byte) []byte {
	for _, closer := range [][]byte{[]byte("</body>"), []byte("</html>")} {
		if idx := bytes.LastIndex(body, closer); idx >= 0 {
			out := make([]byte, 0, len(body)+len(overlayTag))
			out = append(out, body[:idx]...)
			out = append(out, overlayTag...)
			out = append(out, body[idx:]...)
			return out
		}
	}
	return append(body, overlayTag...)
}

// EntryPage is served at /map: a fullscreen frame of the proxied map.
const EntryPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>live map</title>
<style>html,body{margin:0;height:100%}iframe{border:0;width:100%;height:100%}</style>
</head>
<body>
<iframe src="` + PathPrefix + `"></iframe>
</body>
</html>
`
