package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "slipway"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// Default permission mode for executable files.
	DefaultExecMode os.FileMode = 0755
)

// Path to the root directory for run workspaces.
//
//	Linux:   ~/.cache/slipway/runs
//	macOS:   ~/Library/Caches/slipway/runs
func Runs() string {
	return filepath.Join(xdg.CacheHome, toolName, "runs")
}

// Path to the directory for cached base image archives.
//
//	Linux:   ~/.cache/slipway/images
//	macOS:   ~/Library/Caches/slipway/images
func Images() string {
	return filepath.Join(xdg.CacheHome, toolName, "images")
}
