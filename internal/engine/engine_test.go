package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/mocks"
	"github.com/pageforge/pageforge/pkg/notifier"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/state"
	"github.com/pageforge/pageforge/pkg/types"
)

// fakeServer is a DevServer that records its lifecycle
type fakeServer struct {
	started  chan struct{}
	errs     chan error
	startErr error

	mu       sync.Mutex
	shutdown bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}), errs: make(chan error, 1)}
}

func (s *fakeServer) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	close(s.started)
	return nil
}

func (s *fakeServer) URL() string { return "http://localhost:0" }

func (s *fakeServer) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *fakeServer) Errors() <-chan error { return s.errs }

func (s *fakeServer) wasShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

type serveFixture struct {
	cfg    *types.Config
	convs  *mocks.MockConverters
	reload *mocks.MockNotifier
	server *fakeServer
	engine *Engine

	mu       sync.Mutex
	messages []string
}

func newServeFixture(t *testing.T) *serveFixture {
	t.Helper()
	f := &serveFixture{
		cfg:    testConfig(t),
		convs:  mocks.NewMockConverters(),
		reload: mocks.NewMockNotifier(),
		server: newFakeServer(),
	}
	mockOutputs(f.convs)
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.SrcDir(), "assets", "styles"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.SrcDir(), "assets", "images"), 0o755))
	require.NoError(t, os.MkdirAll(f.cfg.PublicDir(), 0o755))

	taskNotifier := notifier.New(notifier.Config{
		Enabled: true,
		Send: func(_, message string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.messages = append(f.messages, message)
			return nil
		},
	}, logger.Discard())

	f.engine = New(f.cfg, logger.Discard(), Dependencies{
		Converters: f.convs,
		Reload:     f.reload,
		Server:     f.server,
		Notifier:   taskNotifier,
	})
	return f
}

func (f *serveFixture) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// serve runs Serve in the background until the returned stop is called
func (f *serveFixture) serve(t *testing.T) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.engine.Serve(ctx) }()

	select {
	case <-f.server.started:
	case err := <-errCh:
		cancel()
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server not started")
	}

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("serve did not return after cancel")
			return nil
		}
	}
}

// touchUntil rewrites path with fresh content until cond holds. Events
// written before the watcher loop is running are retried.
func touchUntil(t *testing.T, path string, cond func() bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("content %d", i)), 0o644))
		for wait := time.Now().Add(300 * time.Millisecond); time.Now().Before(wait); {
			if cond() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("condition not met after touching %s", path)
}

func hasScope(n *mocks.MockNotifier, scope reload.Scope) func() bool {
	return func() bool {
		for _, s := range n.Scopes() {
			if s == scope {
				return true
			}
		}
		return false
	}
}

func TestEngine_Bindings(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, logger.Discard(), Dependencies{Converters: mocks.NewMockConverters()})

	bindings, err := e.Bindings()
	require.NoError(t, err)

	got := make(map[string][]string)
	bases := make(map[string]string)
	for _, b := range bindings {
		got[b.Name] = b.Patterns
		bases[b.Name] = b.BaseDir
	}
	assert.Equal(t, map[string][]string{
		TaskStyle:  {"assets/styles/*.scss"},
		TaskHTML:   {"*.html"},
		TaskScript: {"assets/scripts/*.js"},
		"images":   {"assets/images/**"},
		"fonts":    {"assets/fonts/**"},
		"public":   {"**"},
	}, got)
	assert.Equal(t, cfg.SrcDir(), bases[TaskStyle])
	assert.Equal(t, cfg.PublicDir(), bases["public"])
}

func TestEngine_ServeDispatchesChanges(t *testing.T) {
	f := newServeFixture(t)
	stop := f.serve(t)

	style := f.convs.Assets[types.AssetStyles]
	touchUntil(t, filepath.Join(f.cfg.SrcDir(), "assets", "styles", "main.scss"),
		hasScope(f.reload, reload.Inject(types.AssetStyles)))
	assert.GreaterOrEqual(t, style.CallCount(), 1)

	touchUntil(t, filepath.Join(f.cfg.SrcDir(), "assets", "images", "logo.png"),
		hasScope(f.reload, reload.FullPage(types.AssetImages)))
	assert.Equal(t, 0, f.convs.Assets[types.AssetImages].CallCount(), "images are served from src during develop")

	touchUntil(t, filepath.Join(f.cfg.PublicDir(), "robots.txt"),
		hasScope(f.reload, reload.FullPage(types.AssetPublic)))

	// a change outside every pattern triggers nothing
	before := len(f.reload.Scopes())
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.SrcDir(), "notes.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, f.reload.Scopes(), before)
	assert.Equal(t, 0, f.convs.Assets[types.AssetHTMLs].CallCount())
	assert.Equal(t, 0, f.convs.Assets[types.AssetScripts].CallCount())

	require.NoError(t, stop())
	assert.True(t, f.server.wasShutdown())
}

func TestEngine_ServeKeepsWatchingAfterFailure(t *testing.T) {
	f := newServeFixture(t)
	style := f.convs.Assets[types.AssetStyles]
	style.SetError(errors.New("unexpected }"))
	stop := f.serve(t)

	path := filepath.Join(f.cfg.SrcDir(), "assets", "styles", "main.scss")
	touchUntil(t, path, func() bool { return len(f.notifications()) > 0 })
	assert.Contains(t, f.notifications()[0], "style failed")
	assert.False(t, hasScope(f.reload, reload.Inject(types.AssetStyles))())

	style.SetError(nil)
	touchUntil(t, path, func() bool {
		for _, msg := range f.notifications() {
			if strings.HasPrefix(msg, "style recovered in ") {
				return true
			}
		}
		return false
	})
	assert.True(t, hasScope(f.reload, reload.Inject(types.AssetStyles))())

	require.NoError(t, stop())
}

func TestEngine_ServeFailsWhenServerFails(t *testing.T) {
	f := newServeFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- f.engine.Serve(ctx) }()
	<-f.server.started
	f.server.errs <- errors.New("address in use")

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "address in use")
	case <-ctx.Done():
		t.Fatal("serve did not return")
	}
	assert.True(t, f.server.wasShutdown())
}

func TestEngine_ServeStartError(t *testing.T) {
	f := newServeFixture(t)
	f.server.startErr = errors.New("port taken")

	err := f.engine.Serve(context.Background())
	assert.EqualError(t, err, "port taken")
}

func TestEngine_ServeClosesHubOnExit(t *testing.T) {
	for _, startErr := range []error{nil, errors.New("port taken")} {
		f := newServeFixture(t)
		hub := reload.NewHub(logger.Discard(), nil)
		f.engine.deps.Hub = hub
		f.server.startErr = startErr

		if startErr != nil {
			require.Error(t, f.engine.Serve(context.Background()))
		} else {
			stop := f.serve(t)
			require.NoError(t, stop())
			assert.True(t, f.server.wasShutdown())
		}

		rec := httptest.NewRecorder()
		hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livereload", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
}

func TestEngine_DevelopCompilesThenServes(t *testing.T) {
	f := newServeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.engine.Run(ctx, PipelineDevelop)
		done <- outcome{result, err}
	}()

	select {
	case <-f.server.started:
	case <-time.After(5 * time.Second):
		t.Fatal("serve not reached")
	}
	for _, asset := range []types.AssetType{types.AssetStyles, types.AssetHTMLs, types.AssetScripts} {
		assert.Equal(t, 1, f.convs.Assets[asset].CallCount(), asset)
	}
	assert.Equal(t, 0, f.convs.UserefMock.CallCount())

	cancel()
	out := <-done
	require.NoError(t, out.err)
	assert.False(t, out.result.Find(TaskServe).Failed())
}

func TestEngine_DevelopStopsWhenCompileFails(t *testing.T) {
	f := newServeFixture(t)
	f.convs.Assets[types.AssetHTMLs].SetError(errors.New("unclosed tag"))

	result, err := f.engine.Run(context.Background(), PipelineDevelop)
	require.Error(t, err)
	assert.Nil(t, result.Find(TaskServe))

	select {
	case <-f.server.started:
		t.Fatal("server must not start after a failed compile")
	default:
	}
}

func TestEngine_ConfigReloadAppliesTemplateData(t *testing.T) {
	f := newServeFixture(t)
	configFile := filepath.Join(f.cfg.WorkDir, "pages.config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("data:\n  title: First\n"), 0o644))
	f.engine.deps.ConfigFile = configFile

	stop := f.serve(t)

	deadline := time.Now().Add(5 * time.Second)
	for i := 0; f.convs.TemplateData()["title"] != "Second" && time.Now().Before(deadline); i++ {
		content := fmt.Sprintf("data:\n  title: Second\n  rev: %d\n", i)
		require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))
		future := time.Now().Add(time.Duration(i+1) * time.Second)
		require.NoError(t, os.Chtimes(configFile, future, future))
		time.Sleep(200 * time.Millisecond)
	}
	assert.Equal(t, "Second", f.convs.TemplateData()["title"])
	assert.Eventually(t, func() bool {
		return f.convs.Assets[types.AssetHTMLs].CallCount() > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())
}

func TestEngine_ServeTwice(t *testing.T) {
	f := newServeFixture(t)
	stop := f.serve(t)
	defer func() { require.NoError(t, stop()) }()

	assert.EqualError(t, f.engine.Serve(context.Background()), "already serving")
}

func TestEngine_StateAndMetricsObserveRuns(t *testing.T) {
	cfg := testConfig(t)
	convs := mocks.NewMockConverters()
	sm := state.NewStateManager(cfg.WorkDir, logger.Discard())
	obs := mocks.NewMockObserver()

	deps := NewDependencyFactory(cfg, logger.Discard(), FactoryOptions{}).CreateWithOverrides(Dependencies{
		Converters: convs,
		State:      sm,
		Observers:  []types.Observer{obs},
	})
	require.NotNil(t, deps.Hub)
	require.NotNil(t, deps.Server)
	require.NotNil(t, deps.Metrics)

	e := New(cfg, logger.Discard(), deps)
	_, err := e.Run(context.Background(), PipelineCompile)
	require.NoError(t, err)

	st, err := sm.ReadState(TaskStyle)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RunCount)
	assert.Equal(t, types.RunStatusSuccess, st.Status)

	_, ok := obs.Report(PipelineCompile)
	assert.True(t, ok)
}
