package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

type Router struct {
	mux      *http.ServeMux
	routes   map[string]HandlerFunc // key = METHOD:PATH
	paths    map[string]bool        // track registered paths
	wildcard []string               // wildcard paths, most specific first
	log      *slog.Logger
}

func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		routes: make(map[string]HandlerFunc),
		paths:  make(map[string]bool),
		log:    log.With("component", "http"),
	}

	// Catch-all handler for unknown paths
	r.mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		key := req.Method + ":" + req.URL.Path
		if h, ok := r.routes[key]; ok {
			h(lrw, req)
		} else if h, ok := r.matchWildcard(req); ok {
			h(lrw, req)
		} else if r.paths[req.URL.Path] {
			http.Error(lrw, "Method Not Allowed", http.StatusMethodNotAllowed)
		} else {
			http.Error(lrw, "Not Found", http.StatusNotFound)
		}

		level := slog.LevelInfo
		if lrw.statusCode >= 500 {
			level = slog.LevelError
		} else if lrw.statusCode >= 400 {
			level = slog.LevelWarn
		}
		r.log.Log(req.Context(), level, "request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start),
		)
	})

	return r
}

// matchWildcard picks the most specific wildcard route for req
func (r *Router) matchWildcard(req *http.Request) (HandlerFunc, bool) {
	for _, routePath := range r.wildcard {
		if !matchWildcardRoute(req.URL.Path, routePath) {
			continue
		}
		if h, ok := r.routes[req.Method+":"+routePath]; ok {
			return h, true
		}
	}
	return nil, false
}

// matchWildcardRoute checks if a request path matches a wildcard route pattern
func matchWildcardRoute(requestPath, routePattern string) bool {
	requestSegments := strings.Split(strings.Trim(requestPath, "/"), "/")
	routeSegments := strings.Split(strings.Trim(routePattern, "/"), "/")

	// A trailing wildcard matches one or more remaining segments
	if last := len(routeSegments) - 1; routeSegments[last] == "*" {
		if len(requestSegments) < len(routeSegments) {
			return false
		}
		for i := 0; i < last; i++ {
			if routeSegments[i] != "*" && requestSegments[i] != routeSegments[i] {
				return false
			}
		}
		return true
	}

	if len(requestSegments) != len(routeSegments) {
		return false
	}
	for i, routeSegment := range routeSegments {
		if routeSegment == "*" {
			continue
		}
		if requestSegments[i] != routeSegment {
			return false
		}
	}
	return true
}

// specificity ranks routes: more literal segments first, then more segments
func specificity(path string) (literal, total int) {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		total++
		if seg != "*" {
			literal++
		}
	}
	return literal, total
}

// --- Register paths ---
func (r *Router) register(method, path string, handler HandlerFunc) {
	key := method + ":" + path
	r.routes[key] = handler
	if strings.Contains(path, "*") && !r.paths[path] {
		r.wildcard = append(r.wildcard, path)
		sort.SliceStable(r.wildcard, func(i, j int) bool {
			li, ti := specificity(r.wildcard[i])
			lj, tj := specificity(r.wildcard[j])
			if li != lj {
				return li > lj
			}
			return ti > tj
		})
	}
	r.paths[path] = true
}

func (r *Router) GET(path string, handler HandlerFunc)   { r.register(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler HandlerFunc)  { r.register(http.MethodPost, path, handler) }
func (r *Router) PUT(path string, handler HandlerFunc)   { r.register(http.MethodPut, path, handler) }
func (r *Router) PATCH(path string, handler HandlerFunc) { r.register(http.MethodPatch, path, handler) }
func (r *Router) DELETE(path string, handler HandlerFunc) {
	r.register(http.MethodDelete, path, handler)
}

// Handle mounts a plain http.Handler for GET requests
func (r *Router) Handle(path string, h http.Handler) {
	r.GET(path, h.ServeHTTP)
}

// Getter methods for testing
func (r *Router) Routes() map[string]HandlerFunc {
	return r.routes
}

func (r *Router) Paths() map[string]bool {
	return r.paths
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Start serves until ctx is cancelled, then drains for up to five seconds
func (r *Router) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		r.log.Info("🚀 server started", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// --- Logging response writer to capture status codes ---
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
