//go:build !windows

package injector

import "github.com/thfabian/bifrost/internal/proc"

// PluginHelp requires loading the plugin DLL, which only works on Windows.
func (i *Injector) PluginHelp(path string) (string, error) {
	return "", proc.ErrUnsupportedPlatform
}
