// Package server implements the development server: layered static roots,
// route directories, live-reload script injection and a metrics endpoint.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/types"
)

// MetricsPath serves prometheus metrics when a metrics handler is set
const MetricsPath = "/__pageforge/metrics"

// Options configures a Server
type Options struct {
	// Port overrides server.port; 0 keeps the configured port. Use -1 to
	// pick a free port.
	Port int
	// Open overrides server.open when set
	Open *bool
	// Hub serves live-reload connections; nil disables live reload
	Hub *reload.Hub
	// Metrics is mounted at MetricsPath when non-nil
	Metrics http.Handler
	// OpenBrowser replaces browser.OpenURL
	OpenBrowser func(url string) error
}

type route struct {
	prefix string
	dir    string
}

// Server is the development HTTP server
type Server struct {
	logger  logger.Logger
	roots   []string
	routes  []route
	port    int
	open    bool
	hub     *reload.Hub
	metrics http.Handler
	openURL func(string) error

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	url      string
	serveErr chan error
}

// New creates a server for cfg. Roots are served in priority order: the
// temp tree, then the source tree, then the public tree.
func New(cfg *types.Config, opts Options, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}

	port := cfg.Server.Port
	switch {
	case opts.Port > 0:
		port = opts.Port
	case opts.Port < 0:
		port = 0
	}
	open := cfg.Server.Open
	if opts.Open != nil {
		open = *opts.Open
	}
	openURL := opts.OpenBrowser
	if openURL == nil {
		openURL = func(url string) error {
			browser.Stdout = io.Discard
			browser.Stderr = io.Discard
			return browser.OpenURL(url)
		}
	}

	routes := make([]route, 0, len(cfg.Server.Routes))
	for prefix, dir := range cfg.Server.Routes {
		prefix = "/" + strings.Trim(prefix, "/")
		routes = append(routes, route{prefix: prefix, dir: cfg.Path(dir)})
	}
	// longest prefix wins
	sort.Slice(routes, func(i, j int) bool { return len(routes[i].prefix) > len(routes[j].prefix) })

	return &Server{
		logger:  log.WithTask("serve"),
		roots:   []string{cfg.TempDir(), cfg.SrcDir(), cfg.PublicDir()},
		routes:  routes,
		port:    port,
		open:    open,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		openURL: openURL,
	}
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle(reload.EventsPath, s.hub)
		mux.HandleFunc(reload.ScriptPath, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			if _, err := io.WriteString(w, reload.ClientScript); err != nil {
				s.logger.Debug("failed to write livereload script", logger.WithError(err))
			}
		})
	}
	if s.metrics != nil {
		mux.Handle(MetricsPath, s.metrics)
	}
	mux.HandleFunc("/", s.serveStatic)
	return mux
}

// Start listens and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	// SSE connections are long lived, so there is no write timeout
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       300 * time.Second,
	}
	s.listener = ln
	s.url = fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)
	s.serveErr = make(chan error, 1)

	srv, serveErr := s.srv, s.serveErr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	s.logger.Success(fmt.Sprintf("Serving files at %s", s.url))
	if s.open {
		if err := s.openURL(s.url); err != nil {
			s.logger.Warn("Failed to open browser", logger.WithError(err))
		}
	}
	return nil
}

// URL returns the base URL once started
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Errors delivers a serve failure; it is closed when serving stops
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Shutdown stops accepting connections and waits for active requests
// until ctx is done. Live-reload streams end when the hub shuts down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if s.hub != nil {
		s.hub.Shutdown()
	}
	return srv.Shutdown(ctx)
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	upath := path.Clean("/" + r.URL.Path)
	file, ok := s.resolve(upath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if s.hub != nil && strings.EqualFold(filepath.Ext(file), ".html") {
		s.serveHTML(w, r, file)
		return
	}
	f, err := os.Open(file)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// resolve maps a URL path to a file: routes first, then each root
func (s *Server) resolve(upath string) (string, bool) {
	for _, rt := range s.routes {
		if upath == rt.prefix || strings.HasPrefix(upath, rt.prefix+"/") {
			return lookup(rt.dir, strings.TrimPrefix(upath, rt.prefix))
		}
	}
	for _, root := range s.roots {
		if file, ok := lookup(root, upath); ok {
			return file, true
		}
	}
	return "", false
}

func lookup(root, upath string) (string, bool) {
	p := filepath.Join(root, filepath.FromSlash(path.Clean("/"+upath)))
	info, err := os.Stat(p)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		p = filepath.Join(p, "index.html")
		if info, err = os.Stat(p); err != nil || info.IsDir() {
			return "", false
		}
	}
	return p, true
}

func (s *Server) serveHTML(w http.ResponseWriter, r *http.Request, file string) {
	page, err := os.ReadFile(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	page = InjectScript(page, reload.ScriptTag)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write page", logger.WithError(err))
	}
}

// InjectScript inserts tag before the last </body>, or appends it when the
// page has no body end tag
func InjectScript(page []byte, tag string) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte(nil), page...), tag...)
	}
	out := make([]byte, 0, len(page)+len(tag))
	out = append(out, page[:idx]...)
	out = append(out, tag...)
	return append(out, page[idx:]...)
}
