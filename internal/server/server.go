// Package server assembles the HTTP surface: gated upstream routes, health,
// metrics and the admin endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3xpluto/quotagate/internal/admission"
	"github.com/3xpluto/quotagate/internal/config"
	"github.com/3xpluto/quotagate/internal/mw"
	"github.com/3xpluto/quotagate/internal/netx"
	"github.com/3xpluto/quotagate/internal/proxy"
)

type Options struct {
	Config   *config.Config
	Engine   *admission.Engine
	Stores   *Stores
	Logger   *slog.Logger
	Registry *prometheus.Registry
	// AdminKey guards /-/ endpoints. Empty hides them.
	AdminKey  string
	StartedAt time.Time
}

func NewHandler(o Options) (http.Handler, error) {
	cfg := o.Config
	log := o.Logger
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now()
	}
	if o.Stores == nil {
		o.Stores = &Stores{Backend: "memory"}
	}

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server.trusted_proxies: %w", err)
	}
	ipr := mw.IPResolver{Trusted: trusted}
	auth := mw.Authenticator{HMACSecret: []byte(cfg.Auth.HMACSecret)}

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           seconds(cfg.Upstream.DialTimeoutSeconds),
		TLSHandshakeTimeout:   seconds(cfg.Upstream.TLSHandshakeTimeoutSeconds),
		ResponseHeaderTimeout: seconds(cfg.Upstream.ResponseHeaderTimeoutSeconds),
		IdleConnTimeout:       seconds(cfg.Upstream.IdleConnTimeoutSeconds),
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})

	routes := make([]proxy.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid upstream: %w", rc.Name, err)
		}
		routes = append(routes, proxy.Route{
			Name:           rc.Name,
			PathPrefix:     rc.Match.PathPrefix,
			Upstream:       u,
			StripPrefix:    rc.StripPrefix,
			Action:         rc.Action,
			AllowAnonymous: rc.AllowAnonymous,
			Proxy:          proxy.BuildProxy(u, transport),
		})
	}
	rtr, err := proxy.New(routes)
	if err != nil {
		return nil, err
	}

	// Chains are built once per route, not per request.
	gated := make(map[string]http.Handler, len(routes))
	for _, route := range rtr.Routes() {
		route := route // per-iteration copy; &route is retained by Forward
		var h http.Handler = proxy.Forward(&route)
		h = mw.Admit(o.Engine, route.Action, log, h)
		h = mw.ResolveIdentity(auth, ipr, route.AllowAnonymous, h)
		gated[route.Name] = h
	}

	metrics := mw.NewMetrics(o.Registry)
	wrap := func(routeName string, h http.Handler) http.Handler {
		h = mw.Recover(log, h)
		h = mw.AccessLog(log, h)
		h = mw.Instrument(metrics, h)
		h = mw.WithRoute(h, routeName)
		h = mw.RequestID(h)
		return h
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	admin := func(routeName string, h http.HandlerFunc) http.Handler {
		return wrap(routeName, mw.RequireAdminKey(o.AdminKey, h))
	}
	mux.Handle("/-/status", admin("admin_status", func(w http.ResponseWriter, _ *http.Request) {
		goVer := ""
		if info, ok := debug.ReadBuildInfo(); ok {
			goVer = info.GoVersion
		}
		out := map[string]any{
			"time_utc":          time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds":    int(time.Since(o.StartedAt).Seconds()),
			"listen_addr":       cfg.Server.Addr,
			"go_version":        goVer,
			"store_backend":     o.Stores.Backend,
			"failure_policy":    o.Engine.Policy(),
			"routes_configured": len(cfg.Routes),
		}
		if o.Stores.Breaker != nil {
			out["breaker"] = o.Stores.Breaker.Stats()
		}
		writeJSON(w, out)
	}))
	mux.Handle("/-/schedule", admin("admin_schedule", func(w http.ResponseWriter, _ *http.Request) {
		s := o.Engine.Schedule()
		writeJSON(w, map[string]any{
			"default_plan": s.DefaultPlan(),
			"plans":        s.Snapshot(),
			"problems":     s.Problems(),
		})
	}))
	mux.Handle("/-/routes", admin("admin_routes", func(w http.ResponseWriter, _ *http.Request) {
		type outRoute struct {
			Name           string `json:"name"`
			PathPrefix     string `json:"path_prefix"`
			Upstream       string `json:"upstream"`
			StripPrefix    string `json:"strip_prefix"`
			Action         string `json:"action"`
			AllowAnonymous bool   `json:"allow_anonymous"`
		}
		rs := rtr.Routes()
		out := make([]outRoute, 0, len(rs))
		for _, r := range rs {
			out = append(out, outRoute{
				Name:           r.Name,
				PathPrefix:     r.PathPrefix,
				Upstream:       r.Upstream.String(),
				StripPrefix:    r.StripPrefix,
				Action:         r.Action,
				AllowAnonymous: r.AllowAnonymous,
			})
		}
		writeJSON(w, out)
	}))

	unmatched := wrap("unknown", http.NotFoundHandler())
	wrapped := make(map[string]http.Handler, len(gated))
	for name, h := range gated {
		wrapped[name] = wrap(name, h)
	}
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := rtr.Match(r.URL.Path)
		if route == nil {
			unmatched.ServeHTTP(w, r)
			return
		}
		wrapped[route.Name].ServeHTTP(w, r)
	}))

	return mux, nil
}

func NewHTTPServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: seconds(cfg.ReadHeaderTimeoutSeconds),
		ReadTimeout:       seconds(cfg.ReadTimeoutSeconds),
		WriteTimeout:      seconds(cfg.WriteTimeoutSeconds),
		IdleTimeout:       seconds(cfg.IdleTimeoutSeconds),
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
