package converter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/utils"
)

// base provides common functionality for all converters
type base struct {
	name   string
	logger logger.Logger
	fs     *utils.FileSystemUtils
}

func newBase(name string, log logger.Logger) base {
	if log == nil {
		log = logger.Discard()
	}
	return base{
		name:   name,
		logger: log.WithTask(name),
		fs:     utils.NewFileSystemUtils(),
	}
}

// Name returns the converter name
func (b *base) Name() string {
	return b.name
}

func (b *base) fileError(rel string, err error) error {
	return &FileError{Converter: b.name, Path: rel, Err: err}
}

// write stores data under destDir at the slash relative path rel
func (b *base) write(destDir, rel string, data []byte) error {
	if err := b.fs.WriteFile(outputPath(destDir, rel), data); err != nil {
		return b.fileError(rel, err)
	}
	return nil
}

// identityOutputs lists the outputs of converters that keep relative paths
func identityOutputs(src Source, destDir string, rename func(string) (string, bool)) ([]string, error) {
	files, err := Expand(src)
	if err != nil {
		return nil, err
	}

	outputs := make([]string, 0, len(files))
	for _, rel := range files {
		if rename != nil {
			var keep bool
			if rel, keep = rename(rel); !keep {
				continue
			}
		}
		outputs = append(outputs, outputPath(destDir, rel))
	}
	return outputs, nil
}

// createCommand creates an exec.Cmd from a command string
func createCommand(ctx context.Context, command string, args ...string) *exec.Cmd {
	if len(args) == 0 && strings.ContainsAny(command, "&|;") {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	return exec.CommandContext(ctx, parts[0], append(parts[1:], args...)...)
}

// runCommand executes an external compiler with stdin and returns stdout.
// Stderr is folded into the returned error.
func (b *base) runCommand(ctx context.Context, dir string, stdin []byte, command string, args ...string) ([]byte, error) {
	cmd := createCommand(ctx, command, args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Debug("Executing external compiler",
		logger.WithField("command", command),
		logger.WithField("args", strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s failed: %w", command, err)
		}
		return nil, fmt.Errorf("%s failed: %w\n%s", command, err, msg)
	}

	return stdout.Bytes(), nil
}
