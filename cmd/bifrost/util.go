package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thfabian/bifrost/internal/injector"
	"github.com/thfabian/bifrost/internal/proc"
)

// exitError carries a specific process exit code to os.Exit.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCodeOf(err error) (int, bool) {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code, true
	}
	return 0, false
}

// parsePluginFlags parses repeated --plugin "<dll>[:args]" values. The
// plugin name is the file stem of the dll.
func parsePluginFlags(values []string) ([]injector.PluginSpec, error) {
	specs := make([]injector.PluginSpec, 0, len(values))
	for _, v := range values {
		if v == "" {
			return nil, fmt.Errorf("empty --plugin value")
		}
		path, args := splitPluginValue(v)
		name := path
		if i := strings.LastIndexAny(name, `\/`); i >= 0 {
			name = name[i+1:]
		}
		name = strings.TrimSuffix(name, ".dll")
		specs = append(specs, injector.PluginSpec{
			Name:      name,
			Path:      path,
			Arguments: args,
		})
	}
	return specs, nil
}

// splitPluginValue splits "<dll>[:args]" at the first colon that is not a
// drive separator ("C:\...").
func splitPluginValue(v string) (path, args string) {
	for i := 0; i < len(v); i++ {
		if v[i] != ':' {
			continue
		}
		// "X:\" or "X:/" is a drive prefix, not the separator.
		if i == 1 && len(v) > 2 && (v[2] == '\\' || v[2] == '/') {
			continue
		}
		return v[:i], v[i+1:]
	}
	return v, ""
}

func connectSpec(pid uint32, name string) (injector.ExecutableSpec, error) {
	switch {
	case pid != 0 && name != "":
		return injector.ExecutableSpec{}, fmt.Errorf("--pid and --name are mutually exclusive")
	case pid != 0:
		return injector.ExecutableSpec{Mode: injector.ModeConnectPid, Pid: pid}, nil
	case name != "":
		return injector.ExecutableSpec{Mode: injector.ModeConnectName, Name: name}, nil
	default:
		return injector.ExecutableSpec{}, fmt.Errorf("pass --pid or --name")
	}
}

func openTarget(exe injector.ExecutableSpec) (*proc.Process, error) {
	if exe.Mode == injector.ModeConnectPid {
		return proc.OpenPid(exe.Pid)
	}
	return proc.OpenName(exe.Name)
}

// lastErrorOf decorates err with the injector's last-error string when it
// adds information.
func lastErrorOf(inj *injector.Injector, err error) error {
	if err == nil {
		return nil
	}
	last := inj.LastError()
	if last == "No Error" || strings.Contains(err.Error(), last) {
		return err
	}
	return fmt.Errorf("%w (last error: %s)", err, last)
}
