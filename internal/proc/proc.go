// Package proc is the process controller: launching or attaching to a
// target process, enumerating and resuming its threads, and driving the
// bootstrap module inside it through remote threads.
package proc

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StillActive is the exit code Windows reports for a running process.
const StillActive = 259

var (
	// ErrRemoteExecutionTimeout: a remote thread did not return within its
	// budget.
	ErrRemoteExecutionTimeout = errors.New("remote execution timed out")

	// ErrWaitTimeout: the process itself did not exit within the budget.
	ErrWaitTimeout = errors.New("wait timed out")
)

// RemoteExecutionError reports a remote thread that returned nonzero. The
// last-error string left in the log stash carries the detail.
type RemoteExecutionError struct {
	Entry    string
	ExitCode uint32
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote %s returned exit code %d", e.Entry, e.ExitCode)
}

// AmbiguousError reports an open-by-name that matched several processes.
type AmbiguousError struct {
	Name string
	Pids []uint32
}

func (e *AmbiguousError) Error() string {
	pids := make([]string, len(e.Pids))
	for i, pid := range e.Pids {
		pids[i] = fmt.Sprintf("%d", pid)
	}
	return fmt.Sprintf("multiple processes named %q: %s", e.Name, strings.Join(pids, ", "))
}

// LaunchSpec describes a process to spawn.
type LaunchSpec struct {
	Executable string
	Arguments  []string

	// Suspended launches the process with its main thread suspended so
	// hooks can be installed before any target code runs. ResumeInitial
	// releases exactly the threads that existed at launch.
	Suspended bool
}

// InjectSpec describes one bootstrap invocation inside the target.
type InjectSpec struct {
	// ModulePath is the bootstrap module to load into the target. It must
	// exist on disk; the target resolves it by the same absolute path.
	ModulePath string

	// EntryProc is the exported entry point to run (setup, teardown,
	// message).
	EntryProc string

	// EntryArg is the serialized parameter block written into the target.
	EntryArg string

	// Timeout bounds each remote thread.
	Timeout time.Duration
}

// commandLine renders an executable and its arguments into one Windows
// command line, quoting arguments that need it and escaping embedded
// quotes and trailing backslash runs the way CommandLineToArgvW expects.
func commandLine(executable string, args []string) string {
	var b strings.Builder
	b.WriteString(quoteArg(executable))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(quoteArg(arg))
	}
	return b.String()
}

func quoteArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"") {
		return arg
	}
	var b strings.Builder
	b.WriteByte('"')
	backslashes := 0
	for i := 0; i < len(arg); i++ {
		switch arg[i] {
		case '\\':
			backslashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, 2*backslashes+1))
			b.WriteByte('"')
			backslashes = 0
		default:
			if backslashes > 0 {
				b.WriteString(strings.Repeat(`\`, backslashes))
				backslashes = 0
			}
			b.WriteByte(arg[i])
		}
	}
	b.WriteString(strings.Repeat(`\`, 2*backslashes))
	b.WriteByte('"')
	return b.String()
}
