//go:build windows

package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/winapi"
)

// Process owns the handles of a launched or opened target process.
type Process struct {
	handle   windows.Handle
	pid      uint32
	launched bool
	exitCode *uint32

	// Thread ids present at a suspended launch; ResumeInitial releases
	// exactly these so injection cannot race the main thread.
	initialThreads []uint32
}

// Launch spawns a process from spec.
func Launch(spec LaunchSpec) (*Process, error) {
	cmdline := commandLine(spec.Executable, spec.Arguments)
	logging.Op().Info("launching process", "cmd", cmdline, "suspended", spec.Suspended)

	cmd16, err := windows.UTF16PtrFromString(cmdline)
	if err != nil {
		return nil, fmt.Errorf("encode command line: %w", err)
	}

	var si windows.StartupInfo
	si.Cb = uint32(unsafe.Sizeof(si))
	var pi windows.ProcessInformation

	var flags uint32
	if spec.Suspended {
		flags |= windows.CREATE_SUSPENDED
	}

	if err := windows.CreateProcess(nil, cmd16, nil, nil, false, flags, nil, nil, &si, &pi); err != nil {
		return nil, fmt.Errorf("launch %q: %w", spec.Executable, err)
	}
	windows.CloseHandle(pi.Thread)

	p := &Process{handle: pi.Process, pid: pi.ProcessId, launched: true}
	if spec.Suspended {
		threads, err := p.Threads()
		if err != nil {
			logging.Op().Warn("failed to record initial threads", "error", err)
		}
		p.initialThreads = threads
	}
	return p, nil
}

// OpenPid attaches to a running process by id.
func OpenPid(pid uint32) (*Process, error) {
	logging.Op().Info("opening process", "pid", pid)
	handle, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &Process{handle: handle, pid: pid}, nil
}

// OpenName attaches to the unique running process with the given image
// name. More than one match fails with an AmbiguousError listing every
// candidate pid.
func OpenName(name string) (*Process, error) {
	logging.Op().Info("opening process", "name", name)

	pids, err := FindPids(name)
	if err != nil {
		return nil, err
	}
	switch len(pids) {
	case 0:
		return nil, fmt.Errorf("no process named %q", name)
	case 1:
		return OpenPid(pids[0])
	default:
		return nil, &AmbiguousError{Name: name, Pids: pids}
	}
}

// FindPids lists the pids of every process with the given image name.
func FindPids(name string) ([]uint32, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot processes: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var pids []uint32
	if err := windows.Process32First(snapshot, &entry); err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	for {
		if strings.EqualFold(windows.UTF16ToString(entry.ExeFile[:]), name) {
			pids = append(pids, entry.ProcessID)
		}
		if err := windows.Process32Next(snapshot, &entry); err != nil {
			break
		}
	}
	return pids, nil
}

// Pid returns the process id.
func (p *Process) Pid() uint32 { return p.pid }

// Launched reports whether this controller spawned the process itself.
func (p *Process) Launched() bool { return p.launched }

// Threads lists the ids of every thread of the process.
func (p *Process) Threads() ([]uint32, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(winapi.TH32CSSnapThread, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot threads: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entry winapi.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var tids []uint32
	if err := winapi.Thread32First(snapshot, &entry); err != nil {
		return nil, fmt.Errorf("enumerate threads: %w", err)
	}
	for {
		if entry.OwnerProcessID == p.pid {
			tids = append(tids, entry.ThreadID)
		}
		if err := winapi.Thread32Next(snapshot, &entry); err != nil {
			break
		}
	}
	return tids, nil
}

// ResumeInitial resumes the threads recorded at a suspended launch.
func (p *Process) ResumeInitial() error {
	for _, tid := range p.initialThreads {
		h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, tid)
		if err != nil {
			return fmt.Errorf("open thread %d: %w", tid, err)
		}
		_, err = windows.ResumeThread(h)
		windows.CloseHandle(h)
		if err != nil {
			return fmt.Errorf("resume thread %d: %w", tid, err)
		}
		logging.Op().Debug("resumed initial thread", "tid", tid)
	}
	return nil
}

// Wait blocks until the process exits or the timeout elapses. A zero
// timeout waits forever. On timeout the error is ErrWaitTimeout; the
// caller decides whether to kill.
func (p *Process) Wait(timeout time.Duration) (uint32, error) {
	ms := uint32(windows.INFINITE)
	if timeout > 0 {
		ms = uint32(timeout.Milliseconds())
	}
	event, err := windows.WaitForSingleObject(p.handle, ms)
	if err != nil {
		return 0, fmt.Errorf("wait for process %d: %w", p.pid, err)
	}
	if event == uint32(windows.WAIT_TIMEOUT) {
		return 0, ErrWaitTimeout
	}

	code, err := p.readExitCode()
	if err != nil {
		return 0, err
	}
	return *code, nil
}

// Poll returns the exit code if the process has exited, nil otherwise.
func (p *Process) Poll() (*uint32, error) {
	return p.readExitCode()
}

func (p *Process) readExitCode() (*uint32, error) {
	if p.exitCode != nil {
		return p.exitCode, nil
	}
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return nil, fmt.Errorf("exit code of %d: %w", p.pid, err)
	}
	if code == StillActive {
		return nil, nil
	}
	p.exitCode = &code
	return p.exitCode, nil
}

// Kill terminates the process.
func (p *Process) Kill() error {
	logging.Op().Warn("killing process", "pid", p.pid)
	if err := windows.TerminateProcess(p.handle, 9); err != nil {
		return fmt.Errorf("terminate %d: %w", p.pid, err)
	}
	return nil
}

// Close releases the process handle.
func (p *Process) Close() error {
	if p.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(p.handle)
	p.handle = 0
	return err
}

// KillPid terminates the process with the given id.
func KillPid(pid uint32) error {
	handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		return fmt.Errorf("open process %d for termination: %w", pid, err)
	}
	defer windows.CloseHandle(handle)
	if err := windows.TerminateProcess(handle, 9); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	return nil
}

// KillName terminates every process with the given image name.
func KillName(name string) error {
	pids, err := FindPids(name)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if err := KillPid(pid); err != nil {
			return err
		}
	}
	return nil
}

// remoteAlloc is a region allocated inside the target.
type remoteAlloc struct {
	process windows.Handle
	addr    uintptr
}

func (p *Process) writeRemote(data []byte) (*remoteAlloc, error) {
	addr, err := winapi.VirtualAllocEx(p.handle, uintptr(len(data)),
		winapi.MemCommit|winapi.MemReserve, winapi.PageReadwrite)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes in target: %w", len(data), err)
	}
	if err := winapi.WriteProcessMemory(p.handle, addr, data); err != nil {
		winapi.VirtualFreeEx(p.handle, addr)
		return nil, fmt.Errorf("write target memory: %w", err)
	}
	return &remoteAlloc{process: p.handle, addr: addr}, nil
}

func (r *remoteAlloc) free() {
	if r.addr != 0 {
		if err := winapi.VirtualFreeEx(r.process, r.addr); err != nil {
			logging.Op().Warn("failed to free remote memory", "error", err)
		}
		r.addr = 0
	}
}

// runRemoteThread starts a thread in the target at start with param and
// waits for it, returning its exit code.
func (p *Process) runRemoteThread(what string, start, param uintptr, timeout time.Duration) (uint32, error) {
	thread, tid, err := winapi.CreateRemoteThread(p.handle, start, param)
	if err != nil {
		return 0, fmt.Errorf("create remote thread for %s: %w", what, err)
	}
	defer windows.CloseHandle(thread)
	logging.Op().Debug("created remote thread", "what", what, "tid", tid)

	ms := uint32(windows.INFINITE)
	if timeout > 0 {
		ms = uint32(timeout.Milliseconds())
	}
	event, err := windows.WaitForSingleObject(thread, ms)
	if err != nil {
		return 0, fmt.Errorf("wait for remote %s: %w", what, err)
	}
	if event == uint32(windows.WAIT_TIMEOUT) {
		return 0, fmt.Errorf("%w: %s", ErrRemoteExecutionTimeout, what)
	}
	return winapi.GetExitCodeThread(thread)
}

// remoteModuleBase locates the base address of the module loaded from path
// inside the target.
func (p *Process) remoteModuleBase(path string) (uintptr, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}

	modules := make([]windows.Handle, 1024)
	n, err := winapi.EnumProcessModulesEx(p.handle, modules)
	if err != nil {
		return 0, fmt.Errorf("enumerate target modules: %w", err)
	}
	if n > len(modules) {
		n = len(modules)
	}
	for _, mod := range modules[:n] {
		name, err := winapi.GetModuleFileNameEx(p.handle, mod)
		if err != nil {
			continue
		}
		if strings.EqualFold(name, abs) {
			return uintptr(mod), nil
		}
	}
	return 0, fmt.Errorf("module %q not found in target %d", abs, p.pid)
}

// Inject loads the bootstrap module into the target and drives the named
// entry point with the serialized parameter block:
//
//  1. verify the module exists and resolve the entry point's offset inside
//     it by loading it in this process,
//  2. write the module path into the target and run LoadLibraryW there,
//  3. compute the remote entry address from the remote module base,
//  4. write the parameter block and run the entry point on it,
//  5. free the remote allocations.
//
// A nonzero entry exit code is a RemoteExecutionError; the last-error
// string is in the log stash.
func (p *Process) Inject(spec InjectSpec) error {
	modulePath, err := filepath.Abs(spec.ModulePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(modulePath); err != nil {
		return fmt.Errorf("bootstrap module: %w", err)
	}

	// Entry-point offset, computed in this process.
	localModule, err := windows.LoadLibrary(modulePath)
	if err != nil {
		return fmt.Errorf("load bootstrap locally: %w", err)
	}
	localEntry, err := windows.GetProcAddress(localModule, spec.EntryProc)
	if err != nil {
		return fmt.Errorf("resolve entry point %q: %w", spec.EntryProc, err)
	}
	entryRVA := localEntry - uintptr(localModule)

	// LoadLibraryW lives at the same address in every process.
	kernel32, err := windows.GetModuleHandle(syscall.StringToUTF16Ptr("kernel32.dll"))
	if err != nil {
		return fmt.Errorf("kernel32 handle: %w", err)
	}
	loadLibraryW, err := windows.GetProcAddress(kernel32, "LoadLibraryW")
	if err != nil {
		return fmt.Errorf("resolve LoadLibraryW: %w", err)
	}

	// Remote path string.
	path16, err := windows.UTF16FromString(modulePath)
	if err != nil {
		return fmt.Errorf("encode module path: %w", err)
	}
	pathMem, err := p.writeRemote(utf16Bytes(path16))
	if err != nil {
		return err
	}
	defer pathMem.free()

	start := time.Now()
	module, err := p.runRemoteThread("LoadLibraryW", loadLibraryW, pathMem.addr, spec.Timeout)
	if err != nil {
		return err
	}
	if module == 0 {
		return fmt.Errorf("target failed to load %q", modulePath)
	}
	logging.Op().Debug("bootstrap loaded in target",
		"module", modulePath, "duration", time.Since(start))

	remoteBase, err := p.remoteModuleBase(modulePath)
	if err != nil {
		return err
	}

	// Remote parameter block, NUL terminated.
	paramMem, err := p.writeRemote(append([]byte(spec.EntryArg), 0))
	if err != nil {
		return err
	}
	defer paramMem.free()

	code, err := p.runRemoteThread(spec.EntryProc, remoteBase+entryRVA, paramMem.addr, spec.Timeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return &RemoteExecutionError{Entry: spec.EntryProc, ExitCode: code}
	}
	return nil
}

func utf16Bytes(s []uint16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
