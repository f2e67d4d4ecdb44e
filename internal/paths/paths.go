package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "stratad"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/stratad or /run/user/<uid>/stratad
//	macOS:   ~/Library/Caches/stratad/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/stratad/stratad.sock
//	macOS:   ~/Library/Caches/stratad/run/stratad.sock
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}

// Default root directory of the layer cache.
//
// The cache persists across builds and daemon restarts; entries are only
// removed by explicit pruning.
//
//	Linux:   ~/.cache/stratad/layers
//	macOS:   ~/Library/Caches/stratad/layers
func LayerCache() string {
	return filepath.Join(xdg.CacheHome, daemonName, "layers")
}
