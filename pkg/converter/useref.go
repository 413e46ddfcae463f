package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/pageforge/pageforge/pkg/logger"
)

var (
	buildStart = regexp.MustCompile(`^\s*build:(css|js)(?:\(([^)]*)\))?\s+(\S+)\s*$`)
	buildEnd   = regexp.MustCompile(`^\s*endbuild\s*$`)
)

// ErrUnclosedBlock is returned for a build block without endbuild
var ErrUnclosedBlock = errors.New("build block is missing <!-- endbuild -->")

// buildBlock is one <!-- build:type target --> ... <!-- endbuild --> region
type buildBlock struct {
	kind       string
	target     string
	searchPath []string
	refs       []string
}

// UserefConverter resolves build blocks in HTML files. Each block is replaced
// by a single tag referencing its target, and the referenced files are
// concatenated into that target. Outputs are minified by extension.
//
// Options:
//
//	searchPath          directories searched for referenced files
//	minifyJS            minify .js outputs (default true)
//	minifyCSS           minify .css outputs (default true)
//	minifyHTML          minify .html outputs (default true)
//	collapseWhitespace  collapse whitespace in HTML (default true)
type UserefConverter struct {
	base
	workDir    string
	searchPath []string
}

// NewUserefConverter creates a useref converter. searchPath is used when
// the options do not provide one; relative entries resolve against workDir.
func NewUserefConverter(workDir string, searchPath []string, log logger.Logger) *UserefConverter {
	return &UserefConverter{
		base:       newBase("useref", log),
		workDir:    workDir,
		searchPath: searchPath,
	}
}

// Convert implements Converter
func (c *UserefConverter) Convert(ctx context.Context, src Source, destDir string, opts Options) error {
	files, err := Expand(src)
	if err != nil {
		return err
	}

	searchPath := searchDirs(c.workDir, opts.Strings("searchPath", c.searchPath)...)
	if len(searchPath) == 0 {
		searchPath = []string{src.Base}
	}

	minifyHTML := opts.Bool("minifyHTML", true)
	minifier := newMinifier(opts.Bool("collapseWhitespace", true))
	shouldMinify := map[string]bool{
		mimeJS:   opts.Bool("minifyJS", true),
		mimeCSS:  opts.Bool("minifyCSS", true),
		mimeHTML: minifyHTML,
	}

	// pages commonly share bundles; write each target once
	var mu sync.Mutex
	written := make(map[string][]byte)

	return Each(ctx, files, func(ctx context.Context, rel string) error {
		input, err := c.fs.ReadFile(outputPath(src.Base, rel))
		if err != nil {
			return c.fileError(rel, err)
		}

		page, blocks, err := rewriteBlocks(input)
		if err != nil {
			return c.fileError(rel, err)
		}

		for _, block := range blocks {
			targetRel := resolveRef(path.Dir(rel), block.target)
			paths := searchPath
			if len(block.searchPath) > 0 {
				paths = searchDirs(c.workDir, block.searchPath...)
			}

			bundle, err := c.concat(path.Dir(rel), block, paths)
			if err != nil {
				return c.fileError(rel, err)
			}
			if mt := mediaTypeFor(targetRel); shouldMinify[mt] {
				if bundle, err = minifier.Bytes(mt, bundle); err != nil {
					return c.fileError(targetRel, err)
				}
			}

			mu.Lock()
			prev, seen := written[targetRel]
			if seen && !bytes.Equal(prev, bundle) {
				mu.Unlock()
				return c.fileError(rel, fmt.Errorf("target %s is built with different contents by another page", targetRel))
			}
			written[targetRel] = bundle
			mu.Unlock()

			if !seen {
				if err := c.write(destDir, targetRel, bundle); err != nil {
					return err
				}
			}
		}

		if mt := mediaTypeFor(rel); shouldMinify[mt] {
			if page, err = minifier.Bytes(mt, page); err != nil {
				return c.fileError(rel, err)
			}
		}
		return c.write(destDir, rel, page)
	})
}

// Outputs implements Planner. Targets are read from the build blocks of the
// matched pages; unreadable pages contribute only themselves.
func (c *UserefConverter) Outputs(src Source, destDir string) ([]string, error) {
	files, err := Expand(src)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var outputs []string
	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			outputs = append(outputs, outputPath(destDir, rel))
		}
	}

	for _, rel := range files {
		add(rel)
		input, err := c.fs.ReadFile(outputPath(src.Base, rel))
		if err != nil {
			continue
		}
		if _, blocks, err := rewriteBlocks(input); err == nil {
			for _, block := range blocks {
				add(resolveRef(path.Dir(rel), block.target))
			}
		}
	}
	return outputs, nil
}

// concat joins the files a block references, each followed by a newline
// (";\n" for scripts so concatenated statements stay separate).
func (c *UserefConverter) concat(pageDir string, block buildBlock, searchPath []string) ([]byte, error) {
	sep := []byte("\n")
	if block.kind == "js" {
		sep = []byte(";\n")
	}

	var out bytes.Buffer
	for _, ref := range block.refs {
		data, err := c.find(pageDir, ref, searchPath)
		if err != nil {
			return nil, err
		}
		out.Write(data)
		out.Write(sep)
	}
	return out.Bytes(), nil
}

// find looks a reference up in each search directory in order
func (c *UserefConverter) find(pageDir, ref string, searchPath []string) ([]byte, error) {
	rel := resolveRef(pageDir, ref)
	for _, dir := range searchPath {
		data, err := os.ReadFile(outputPath(dir, rel))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("referenced file %s not found in %s", ref, strings.Join(searchPath, ", "))
}

// resolveRef turns an href/src into a slash path relative to the tree root.
// Root-relative references ignore the page directory.
func resolveRef(pageDir, ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if strings.HasPrefix(ref, "/") {
		return strings.TrimPrefix(path.Clean(ref), "/")
	}
	return path.Clean(path.Join(pageDir, ref))
}

// rewriteBlocks replaces every build block in page with a single tag and
// returns the rewritten page and the blocks found, in document order.
func rewriteBlocks(page []byte) ([]byte, []buildBlock, error) {
	z := html.NewTokenizer(bytes.NewReader(page))

	var out bytes.Buffer
	var blocks []buildBlock
	var current *buildBlock

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, nil, err
			}
			break
		}

		raw := append([]byte(nil), z.Raw()...)
		tok := z.Token()

		if tt == html.CommentToken {
			if m := buildStart.FindStringSubmatch(tok.Data); m != nil {
				if current != nil {
					return nil, nil, fmt.Errorf("nested build block %q", strings.TrimSpace(tok.Data))
				}
				current = &buildBlock{kind: m[1], target: m[3]}
				if m[2] != "" {
					for _, p := range strings.Split(m[2], ",") {
						if p = strings.TrimSpace(p); p != "" {
							current.searchPath = append(current.searchPath, p)
						}
					}
				}
				continue
			}
			if buildEnd.MatchString(tok.Data) {
				if current == nil {
					return nil, nil, errors.New("endbuild without matching build block")
				}
				out.WriteString(replacementTag(current))
				blocks = append(blocks, *current)
				current = nil
				continue
			}
		}

		if current == nil {
			out.Write(raw)
			continue
		}

		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			if ref := assetRef(current.kind, tok); ref != "" {
				current.refs = append(current.refs, ref)
			}
		}
	}

	if current != nil {
		return nil, nil, fmt.Errorf("%w (build:%s %s)", ErrUnclosedBlock, current.kind, current.target)
	}
	return out.Bytes(), blocks, nil
}

// assetRef extracts the referenced file from a tag inside a block
func assetRef(kind string, tok html.Token) string {
	attr := func(name string) string {
		for _, a := range tok.Attr {
			if a.Key == name {
				return a.Val
			}
		}
		return ""
	}

	switch {
	case kind == "css" && tok.Data == "link" && strings.EqualFold(attr("rel"), "stylesheet"):
		return attr("href")
	case kind == "js" && tok.Data == "script":
		return attr("src")
	}
	return ""
}

func replacementTag(b *buildBlock) string {
	target := html.EscapeString(b.target)
	if b.kind == "css" {
		return `<link rel="stylesheet" href="` + target + `">`
	}
	return `<script src="` + target + `"></script>`
}

// searchDirs resolves relative search path entries against workDir
func searchDirs(workDir string, dirs ...string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(workDir, d)
		}
		out = append(out, d)
	}
	return out
}
