//go:build !windows

package arena

import "errors"

// ErrUnsupportedPlatform is returned for operations that require Windows
// named shared-memory sections.
var ErrUnsupportedPlatform = errors.New("named shared memory requires windows")

// OpenSection is only available on Windows. Non-Windows builds can still use
// heap-backed arenas for everything that does not cross a process boundary.
func OpenSection(name string, size uint64) (Mapping, error) {
	return nil, ErrUnsupportedPlatform
}
