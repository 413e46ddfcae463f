package converter

import (
	"path"
	"regexp"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/svg"
)

const (
	mimeCSS  = "text/css"
	mimeJS   = "application/javascript"
	mimeHTML = "text/html"
	mimeSVG  = "image/svg+xml"
)

// newMinifier registers the minifiers for every output type we shrink
func newMinifier(collapseWhitespace bool) *minify.M {
	m := minify.New()
	m.AddFunc(mimeCSS, css.Minify)
	m.AddFuncRegexp(regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`), js.Minify)
	m.AddFunc(mimeSVG, svg.Minify)
	m.Add(mimeHTML, &html.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
		KeepWhitespace:   !collapseWhitespace,
	})
	return m
}

// mediaTypeFor maps an output extension to a registered minifier
func mediaTypeFor(rel string) string {
	switch strings.ToLower(path.Ext(rel)) {
	case ".css":
		return mimeCSS
	case ".js", ".mjs":
		return mimeJS
	case ".html", ".htm":
		return mimeHTML
	case ".svg":
		return mimeSVG
	}
	return ""
}
