package loader

// Exported entry points every plugin module (and the bootstrap itself)
// exposes. Each takes a single pointer argument and returns a 32-bit
// status: 0 success, nonzero failure. help is optional and returns a
// constant string describing the plugin's arguments.
const (
	ExportSetup    = "setup"
	ExportTeardown = "teardown"
	ExportMessage  = "message"
	ExportHelp     = "help"
)

// Entry-point status codes crossing the ABI edge.
const (
	StatusOK    uint32 = 0
	StatusError uint32 = 1
)

// Module is one loaded plugin library.
type Module interface {
	Name() string
	Path() string

	// Invoke calls the named export with arg and returns its status.
	Invoke(export, arg string) (uint32, error)

	// Help calls the optional help export. ok is false when the module
	// does not export it.
	Help() (help string, ok bool)

	Release() error
}

// ModuleHost loads plugin libraries. The Windows host wraps LoadLibrary;
// tests substitute an in-process fake.
type ModuleHost interface {
	Load(path string) (Module, error)
}
