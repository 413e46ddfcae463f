// Command pageforge builds and serves static sites
package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/pageforge/pageforge/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// PAGEFORGE_* settings may come from a local .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		color.Yellow("Ignoring .env: %v", err)
	}

	if err := cli.ExecuteWithVersion(version); err != nil {
		os.Exit(1)
	}
}
