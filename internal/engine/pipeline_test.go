package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageforge/pageforge/pkg/config"
	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/mocks"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/types"
)

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	cfg, err := config.DefaultConfig().Resolve(t.TempDir())
	require.NoError(t, err)
	cfg.Styles.Compiler = converter.CompilerBuiltin
	cfg.Watch.Debounce = 20
	return cfg
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// mockOutputs gives every mock the files the real converter would write
func mockOutputs(m *mocks.MockConverters) {
	m.Assets[types.AssetStyles].SetOutputs("assets/styles/main.css")
	m.Assets[types.AssetHTMLs].SetOutputs("index.html")
	m.Assets[types.AssetScripts].SetOutputs("assets/scripts/main.js")
	m.Assets[types.AssetImages].SetOutputs("assets/images/logo.png")
	m.Assets[types.AssetFonts].SetOutputs("assets/fonts/inter.woff2")
	m.Assets[types.AssetPublic].SetOutputs("robots.txt")
	m.UserefMock.SetOutputs("index.html", "assets/styles/main.css", "assets/scripts/main.js")
}

func TestPipelineBuilder_BuildShape(t *testing.T) {
	b := NewPipelineBuilder(testConfig(t), mocks.NewMockConverters(), logger.Discard())
	build, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, build.Validate())

	var out bytes.Buffer
	require.NoError(t, Describe(&out, build, false))
	assert.Equal(t, `build (sequence)
  clean (leaf)
  build:assets (parallel)
    build:pages (sequence)
      compile (parallel)
        style (leaf) → inject:styles
        html (leaf) → reload:htmls
        script (leaf) → reload:scripts
      useref (leaf)
    img (leaf)
    font (leaf)
    other (leaf)
`, out.String())
}

func TestPipelineBuilder_Lookup(t *testing.T) {
	b := NewPipelineBuilder(testConfig(t), mocks.NewMockConverters(), logger.Discard())
	serve := func(context.Context) error { return nil }

	for _, name := range Pipelines() {
		task, err := b.Lookup(name, serve)
		require.NoError(t, err, name)
		assert.Equal(t, name, task.Name)
		assert.NoError(t, task.Validate())
	}

	_, err := b.Lookup("deploy", serve)
	assert.ErrorIs(t, err, ErrUnknownPipeline)

	_, err = b.Lookup(PipelineDevelop, nil)
	assert.ErrorIs(t, err, ErrInvalidTask)

	develop, err := b.Lookup(PipelineDevelop, serve)
	require.NoError(t, err)
	require.Len(t, develop.Children, 2)
	assert.Equal(t, PipelineCompile, develop.Children[0].Name)
	assert.Equal(t, TaskServe, develop.Children[1].Name)
}

func TestPipelineBuilder_ConverterOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Styles.OutputStyle = "compressed"
	cfg.Scripts.Target = "es2020"
	convs := mocks.NewMockConverters()
	b := NewPipelineBuilder(cfg, convs, logger.Discard())

	compile, err := b.Compile()
	require.NoError(t, err)
	require.False(t, NewRunner(logger.Discard(), nil).Run(context.Background(), compile).Failed())

	style := convs.Assets[types.AssetStyles].Calls()
	require.Len(t, style, 1)
	assert.Equal(t, "compressed", style[0].Options.String("outputStyle", ""))
	assert.Equal(t, cfg.SrcDir(), style[0].Source.Base)
	assert.Equal(t, []string{"assets/styles/*.scss"}, style[0].Source.Patterns)
	assert.Equal(t, cfg.TempDir(), style[0].DestDir)

	script := convs.Assets[types.AssetScripts].Calls()
	require.Len(t, script, 1)
	assert.Equal(t, "es2020", script[0].Options.String("target", ""))
}

func TestCheckDisjoint_Build(t *testing.T) {
	convs := mocks.NewMockConverters()
	mockOutputs(convs)
	b := NewPipelineBuilder(testConfig(t), convs, logger.Discard())

	build, err := b.Build()
	require.NoError(t, err)
	assert.NoError(t, CheckDisjoint(build))

	set, err := WriteSet(build)
	require.NoError(t, err)
	assert.Contains(t, set, filepath.Join(b.cfg.DistDir(), "robots.txt"))
	assert.Contains(t, set, filepath.Join(b.cfg.TempDir(), "index.html"))
}

func TestCheckDisjoint_DetectsOverlap(t *testing.T) {
	convs := mocks.NewMockConverters()
	mockOutputs(convs)
	// a public file shadowing a merged page
	convs.Assets[types.AssetPublic].SetOutputs("index.html")
	cfg := testConfig(t)
	b := NewPipelineBuilder(cfg, convs, logger.Discard())

	build, err := b.Build()
	require.NoError(t, err)

	err = CheckDisjoint(build)
	require.ErrorIs(t, err, ErrOverlappingWrites)
	assert.Contains(t, err.Error(), "'build:assets'")
	assert.Contains(t, err.Error(), "'other'")

	var overlapErr *OverlapError
	require.ErrorAs(t, err, &overlapErr)
	assert.Equal(t, [2]string{TaskUseref, TaskOther}, overlapErr.Tasks)
	assert.Equal(t, filepath.Join(cfg.DistDir(), "index.html"), overlapErr.Path())
}

func TestCheckDisjoint_DirectoryContainsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	noop := func(context.Context) error { return nil }
	task := Parallel("p",
		Leaf("dir", noop, WithPlan(func() ([]string, error) { return []string{dir}, nil })),
		Leaf("file", noop, WithPlan(func() ([]string, error) { return []string{filepath.Join(dir, "a.txt")}, nil })),
	)
	var overlapErr *OverlapError
	require.ErrorAs(t, CheckDisjoint(task), &overlapErr)
	assert.Equal(t, [2]string{"dir", "file"}, overlapErr.Tasks)
	assert.Equal(t, filepath.Join(dir, "a.txt"), overlapErr.Path())

	planErr := errors.New("cannot plan")
	broken := Parallel("p", Leaf("x", noop, WithPlan(func() ([]string, error) { return nil, planErr })))
	assert.ErrorIs(t, CheckDisjoint(broken), planErr)
}

func TestClean_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.DistDir(), map[string]string{"index.html": "x", "assets/a.css": "y"})
	writeTree(t, cfg.TempDir(), map[string]string{"index.html": "z"})

	clean := NewPipelineBuilder(cfg, mocks.NewMockConverters(), logger.Discard()).Clean()
	runner := NewRunner(logger.Discard(), nil)

	for i := 0; i < 2; i++ {
		result := runner.Run(context.Background(), clean)
		require.False(t, result.Failed(), "run %d: %v", i, result.Err)
		assert.NoDirExists(t, cfg.DistDir())
		assert.NoDirExists(t, cfg.TempDir())
	}

	plan, err := clean.Plan()
	require.NoError(t, err)
	assert.Equal(t, []string{cfg.DistDir(), cfg.TempDir()}, plan)
}

func TestClean_RefusesToRemoveSources(t *testing.T) {
	tests := []struct {
		name   string
		dist   string
		temp   string
		public string
	}{
		{"dist is the site root", ".", "temp", "public"},
		{"temp is the parent", "dist", "..", "public"},
		{"dist is src", "src", "temp", "public"},
		{"temp holds public", "dist", "static", "static/public"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Build.Dist = tt.dist
			cfg.Build.Temp = tt.temp
			cfg.Build.Public = tt.public
			writeTree(t, cfg.SrcDir(), map[string]string{"index.html": "<h1>keep</h1>"})

			clean := NewPipelineBuilder(cfg, mocks.NewMockConverters(), logger.Discard()).Clean()
			result := NewRunner(logger.Discard(), nil).Run(context.Background(), clean)

			require.True(t, result.Failed())
			assert.Contains(t, result.Err.Error(), "refusing to clean")
			assert.FileExists(t, filepath.Join(cfg.SrcDir(), "index.html"))
		})
	}
}

func TestCompile_EmptyMatchIsNoOp(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.SrcDir(), 0o755))

	factory := converter.NewFactory(cfg, logger.Discard())
	compile, err := NewPipelineBuilder(cfg, factory, logger.Discard()).Compile()
	require.NoError(t, err)

	n := mocks.NewMockNotifier()
	result := NewRunner(logger.Discard(), n).Run(context.Background(), compile)
	require.False(t, result.Failed(), "%v", result.Err)

	entries, err := os.ReadDir(cfg.TempDir())
	if err == nil {
		assert.Empty(t, entries)
	}
	// a successful empty run still notifies its scope
	assert.Len(t, n.Scopes(), 3)
}

const sitePage = `<!DOCTYPE html>
<html>
<head>
  <title>{{ site.title }}</title>
  <!-- build:css assets/styles/main.css -->
  <link rel="stylesheet" href="assets/styles/main.css">
  <!-- endbuild -->
</head>
<body>
  <h1>Hello</h1>
  <!-- build:js assets/scripts/main.js -->
  <script src="assets/scripts/main.js"></script>
  <!-- endbuild -->
</body>
</html>
`

func TestBuild_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data = map[string]interface{}{"site": map[string]interface{}{"title": "Forge"}}
	writeTree(t, cfg.SrcDir(), map[string]string{
		"index.html":               sitePage,
		"assets/styles/main.scss":  "body {\n  color: #ff0000;\n}\n",
		"assets/scripts/main.js":   "const greet = (name) => 'hi ' + name\nconsole.log(greet('you'))\n",
		"assets/fonts/inter.woff2": "font-bytes",
	})
	writeTree(t, cfg.PublicDir(), map[string]string{"robots.txt": "User-agent: *\n"})
	writeTree(t, cfg.DistDir(), map[string]string{"stale.html": "old"})

	deps := Dependencies{Converters: converter.NewFactory(cfg, logger.Discard())}
	e := New(cfg, logger.Discard(), deps)

	result, err := e.Run(context.Background(), PipelineBuild)
	require.NoError(t, err)
	require.False(t, result.Failed())

	dist := cfg.DistDir()
	assert.NoFileExists(t, filepath.Join(dist, "stale.html"))

	html := readFile(t, filepath.Join(dist, "index.html"))
	assert.Contains(t, html, "<title>Forge</title>")
	assert.Contains(t, html, `href="assets/styles/main.css"`)
	assert.NotContains(t, html, "build:")

	assert.Contains(t, readFile(t, filepath.Join(dist, "assets", "styles", "main.css")), "color:red")
	assert.Contains(t, readFile(t, filepath.Join(dist, "assets", "scripts", "main.js")), "greet")
	assert.Equal(t, "font-bytes", readFile(t, filepath.Join(dist, "assets", "fonts", "inter.woff2")))
	assert.Equal(t, "User-agent: *\n", readFile(t, filepath.Join(dist, "robots.txt")))

	// compiled intermediates keep their relative paths under temp
	assert.FileExists(t, filepath.Join(cfg.TempDir(), "assets", "styles", "main.css"))
	assert.FileExists(t, filepath.Join(cfg.TempDir(), "assets", "scripts", "main.js"))

	_, err = e.Run(context.Background(), PipelineClean)
	require.NoError(t, err)
	assert.NoDirExists(t, dist)
	assert.NoDirExists(t, cfg.TempDir())
}

func TestBuild_FailureSkipsLaterSteps(t *testing.T) {
	cfg := testConfig(t)
	convs := mocks.NewMockConverters()
	mockOutputs(convs)
	convs.Assets[types.AssetScripts].SetError(errors.New("unexpected token"))

	n := mocks.NewMockNotifier()
	e := New(cfg, logger.Discard(), Dependencies{Converters: convs, Reload: n})

	result, err := e.Run(context.Background(), PipelineBuild)
	require.Error(t, err)
	assert.EqualError(t, err, "'script' errored: unexpected token")
	require.NotNil(t, result)

	// siblings of the failing task still ran to completion
	assert.Equal(t, 1, convs.Assets[types.AssetStyles].CallCount())
	assert.Equal(t, 1, convs.Assets[types.AssetImages].CallCount())
	assert.Equal(t, 1, convs.Assets[types.AssetPublic].CallCount())
	// the step after the failed compile did not
	assert.Equal(t, 0, convs.UserefMock.CallCount())
	assert.Nil(t, result.Find(TaskUseref))

	assert.NotContains(t, n.Scopes(), reload.FullPage(types.AssetScripts))
}

func TestEngine_RunUnknownPipeline(t *testing.T) {
	e := New(testConfig(t), logger.Discard(), Dependencies{Converters: mocks.NewMockConverters()})
	_, err := e.Run(context.Background(), "deploy")
	assert.ErrorIs(t, err, ErrUnknownPipeline)
}

func TestEngine_RunRejectsOverlappingWrites(t *testing.T) {
	convs := mocks.NewMockConverters()
	mockOutputs(convs)
	convs.Assets[types.AssetFonts].SetOutputs("assets/images/logo.png")

	e := New(testConfig(t), logger.Discard(), Dependencies{Converters: convs})
	_, err := e.Run(context.Background(), PipelineBuild)
	require.ErrorIs(t, err, ErrOverlappingWrites)
	assert.Equal(t, 0, convs.Assets[types.AssetStyles].CallCount())
}
