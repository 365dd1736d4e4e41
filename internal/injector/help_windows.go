//go:build windows

package injector

import "github.com/thfabian/bifrost/internal/loader"

// PluginHelp loads the plugin in this process and reads its help export.
func (i *Injector) PluginHelp(path string) (string, error) {
	return loader.PluginHelp(loader.DLLHost{}, path)
}
