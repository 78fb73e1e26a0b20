// Package proxy matches request paths to upstream routes and forwards
// admitted requests.
package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
)

// Route binds a path prefix to an upstream and to the admission action that
// gates it.
type Route struct {
	Name           string
	PathPrefix     string
	Upstream       *url.URL
	StripPrefix    string
	Action         string
	AllowAnonymous bool
	Proxy          *httputil.ReverseProxy
}

type Router struct {
	routes []Route
}

var ErrNoRoutes = errors.New("no routes")

func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	sorted := append([]Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Router{routes: sorted}, nil
}

// Match returns the route with the longest matching prefix, or nil.
func (r *Router) Match(path string) *Route {
	for i := range r.routes {
		if strings.HasPrefix(path, r.routes[i].PathPrefix) {
			return &r.routes[i]
		}
	}
	return nil
}

func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// Forward is the innermost handler for route: strip the prefix and proxy.
func Forward(route *Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = StripPath(r.URL.Path, route.StripPrefix)
		if r.URL.RawPath != "" {
			r.URL.RawPath = StripPath(r.URL.RawPath, route.StripPrefix)
		}
		route.Proxy.ServeHTTP(w, r)
	})
}

func BuildProxy(up *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport

	orig := p.Director
	p.Director = func(req *http.Request) {
		orig(req)
		req.Host = up.Host
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "bad_gateway",
		})
	}

	return p
}

func StripPath(path string, strip string) string {
	if strip == "" {
		return path
	}
	if strings.HasPrefix(path, strip) {
		p := strings.TrimPrefix(path, strip)
		if p == "" {
			p = "/"
		}
		return p
	}
	return path
}
