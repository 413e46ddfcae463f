package converter_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/logger"
)

const page = `<!DOCTYPE html>
<html>
<head>
  <title>Home</title>
  <!-- build:css assets/styles/vendor.css -->
  <link rel="stylesheet" href="/node_modules/lib/lib.css">
  <!-- endbuild -->
  <!-- build:css assets/styles/main.css -->
  <link rel="stylesheet" href="assets/styles/main.css">
  <!-- endbuild -->
</head>
<body>
  <h1>   Hello   </h1>
  <!-- build:js assets/scripts/main.js -->
  <script src="assets/scripts/a.js"></script>
  <script src="assets/scripts/b.js?v=2"></script>
  <!-- endbuild -->
</body>
</html>
`

func TestUserefConverter_RewritesAndMinifies(t *testing.T) {
	root := t.TempDir()
	temp := filepath.Join(root, "temp")
	dist := filepath.Join(root, "dist")

	writeTree(t, root, map[string]string{
		"node_modules/lib/lib.css": ".lib {  margin : 0px ; }\n",
	})
	writeTree(t, temp, map[string]string{
		"index.html":             page,
		"assets/styles/main.css": "body {\n  color : #ff0000;\n}\n",
		"assets/scripts/a.js":    "var first = 1\n",
		"assets/scripts/b.js":    "function hello ( name ) {\n  return 'hi ' + name\n}\n",
	})

	c := converter.NewUserefConverter(root, []string{"temp", "."}, logger.Discard())
	err := c.Convert(context.Background(), converter.Source{Base: temp, Patterns: []string{"*.html"}}, dist, nil)
	require.NoError(t, err)

	html := readFile(t, filepath.Join(dist, "index.html"))
	assert.Contains(t, html, `href="assets/styles/vendor.css"`)
	assert.Contains(t, html, `href="assets/styles/main.css"`)
	assert.Contains(t, html, `src="assets/scripts/main.js"`)
	assert.NotContains(t, html, "a.js")
	assert.NotContains(t, html, "node_modules")
	assert.NotContains(t, html, "build:")
	assert.NotContains(t, html, "   Hello   ")

	mainCSS := readFile(t, filepath.Join(dist, "assets", "styles", "main.css"))
	assert.Contains(t, mainCSS, "color:red")
	assert.NotContains(t, mainCSS, "\n  ")

	vendor := readFile(t, filepath.Join(dist, "assets", "styles", "vendor.css"))
	assert.Contains(t, vendor, ".lib{margin:0}")

	js := readFile(t, filepath.Join(dist, "assets", "scripts", "main.js"))
	assert.Contains(t, js, "first")
	assert.Contains(t, js, "hello")
	assert.NotContains(t, js, "\n  return")

	outputs, err := c.Outputs(converter.Source{Base: temp, Patterns: []string{"*.html"}}, dist)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dist, "index.html"),
		filepath.Join(dist, "assets", "styles", "vendor.css"),
		filepath.Join(dist, "assets", "styles", "main.css"),
		filepath.Join(dist, "assets", "scripts", "main.js"),
	}, outputs)
}

func TestUserefConverter_MinifyFlagsOff(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.html": "<p>  spaced  </p>\n<!-- build:js app.js -->\n<script src=\"x.js\"></script>\n<!-- endbuild -->\n",
		"x.js":       "var   spaced = 1\n",
	})

	c := converter.NewUserefConverter(root, nil, logger.Discard())
	dist := filepath.Join(root, "dist")
	opts := converter.Options{"minifyJS": false, "minifyHTML": false}
	require.NoError(t, c.Convert(context.Background(), converter.Source{Base: root, Patterns: []string{"*.html"}}, dist, opts))

	assert.Contains(t, readFile(t, filepath.Join(dist, "index.html")), "<p>  spaced  </p>")
	assert.Contains(t, readFile(t, filepath.Join(dist, "app.js")), "var   spaced = 1")
}

func TestUserefConverter_MissingReference(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.html": "<!-- build:css all.css --><link rel=\"stylesheet\" href=\"missing.css\"><!-- endbuild -->",
	})

	c := converter.NewUserefConverter(root, nil, logger.Discard())
	err := c.Convert(context.Background(), converter.Source{Base: root, Patterns: []string{"*.html"}}, filepath.Join(root, "dist"), nil)

	var fe *converter.FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "useref", fe.Converter)
	assert.Contains(t, err.Error(), "missing.css")
}

func TestUserefConverter_UnclosedBlock(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.html": "<!-- build:js app.js --><script src=\"a.js\"></script>",
		"a.js":       "1",
	})

	c := converter.NewUserefConverter(root, nil, logger.Discard())
	err := c.Convert(context.Background(), converter.Source{Base: root, Patterns: []string{"*.html"}}, filepath.Join(root, "dist"), nil)
	assert.ErrorIs(t, err, converter.ErrUnclosedBlock)
}

func TestUserefConverter_SharedBundleAcrossPages(t *testing.T) {
	root := t.TempDir()
	block := "<!-- build:css shared.css --><link rel=\"stylesheet\" href=\"/base.css\"><!-- endbuild -->"
	writeTree(t, root, map[string]string{
		"index.html":     block,
		"blog/post.html": block,
		"base.css":       "a { color: blue }",
	})

	c := converter.NewUserefConverter(root, nil, logger.Discard())
	dist := filepath.Join(root, "dist")
	require.NoError(t, c.Convert(context.Background(), converter.Source{Base: root, Patterns: []string{"**/*.html"}}, dist, nil))

	assert.FileExists(t, filepath.Join(dist, "shared.css"))
	assert.FileExists(t, filepath.Join(dist, "blog", "shared.css"))
	assert.FileExists(t, filepath.Join(dist, "blog", "post.html"))
}
