//go:build windows

// Package winapi declares the handful of Win32 entry points the runtime
// needs that golang.org/x/sys/windows does not wrap.
package winapi

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	moddbghelp  = windows.NewLazySystemDLL("dbghelp.dll")
	modpsapi    = windows.NewLazySystemDLL("psapi.dll")

	procOpenFileMappingW      = modkernel32.NewProc("OpenFileMappingW")
	procThread32First         = modkernel32.NewProc("Thread32First")
	procThread32Next          = modkernel32.NewProc("Thread32Next")
	procSuspendThread         = modkernel32.NewProc("SuspendThread")
	procVirtualAllocEx        = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx         = modkernel32.NewProc("VirtualFreeEx")
	procWriteProcessMemory    = modkernel32.NewProc("WriteProcessMemory")
	procReadProcessMemory     = modkernel32.NewProc("ReadProcessMemory")
	procCreateRemoteThread    = modkernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread     = modkernel32.NewProc("GetExitCodeThread")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")

	procEnumProcessModulesEx = modpsapi.NewProc("EnumProcessModulesEx")
	procGetModuleFileNameExW = modpsapi.NewProc("GetModuleFileNameExW")

	procSymInitializeW = moddbghelp.NewProc("SymInitializeW")
	procSymCleanup     = moddbghelp.NewProc("SymCleanup")
	procSymFromAddr    = moddbghelp.NewProc("SymFromAddr")
	procSymSetOptions  = moddbghelp.NewProc("SymSetOptions")
)

const (
	TH32CSSnapThread = 0x00000004

	ListModulesAll = 0x03

	MemCommit  = 0x1000
	MemReserve = 0x2000
	MemRelease = 0x8000

	PageReadwrite        = 0x04
	PageExecuteReadwrite = 0x40

	SymoptUndname       = 0x00000002
	SymoptDeferredLoads = 0x00000004
	SymoptDebug         = 0x80000000

	MaxSymName = 2000
)

// ThreadEntry32 mirrors THREADENTRY32.
type ThreadEntry32 struct {
	Size           uint32
	Usage          uint32
	ThreadID       uint32
	OwnerProcessID uint32
	BasePri        int32
	DeltaPri       int32
	Flags          uint32
}

// SymbolInfo mirrors SYMBOL_INFO. Name is the first byte of a variable
// length buffer; allocate MaxSymName extra bytes behind the struct.
type SymbolInfo struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	Reserved     [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [1]byte
}

func OpenFileMapping(access uint32, inheritHandle bool, name *uint16) (windows.Handle, error) {
	var inherit uintptr
	if inheritHandle {
		inherit = 1
	}
	r, _, err := procOpenFileMappingW.Call(uintptr(access), inherit, uintptr(unsafe.Pointer(name)))
	if r == 0 {
		return 0, err
	}
	return windows.Handle(r), nil
}

func Thread32First(snapshot windows.Handle, entry *ThreadEntry32) error {
	r, _, err := procThread32First.Call(uintptr(snapshot), uintptr(unsafe.Pointer(entry)))
	if r == 0 {
		return err
	}
	return nil
}

func Thread32Next(snapshot windows.Handle, entry *ThreadEntry32) error {
	r, _, err := procThread32Next.Call(uintptr(snapshot), uintptr(unsafe.Pointer(entry)))
	if r == 0 {
		return err
	}
	return nil
}

func SuspendThread(thread windows.Handle) (uint32, error) {
	r, _, err := procSuspendThread.Call(uintptr(thread))
	if uint32(r) == ^uint32(0) {
		return 0, err
	}
	return uint32(r), nil
}

func VirtualAllocEx(process windows.Handle, size uintptr, allocType, protect uint32) (uintptr, error) {
	r, _, err := procVirtualAllocEx.Call(uintptr(process), 0, size, uintptr(allocType), uintptr(protect))
	if r == 0 {
		return 0, err
	}
	return r, nil
}

func VirtualFreeEx(process windows.Handle, addr uintptr) error {
	r, _, err := procVirtualFreeEx.Call(uintptr(process), addr, 0, MemRelease)
	if r == 0 {
		return err
	}
	return nil
}

func WriteProcessMemory(process windows.Handle, addr uintptr, data []byte) error {
	var written uintptr
	r, _, err := procWriteProcessMemory.Call(uintptr(process), addr,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), uintptr(unsafe.Pointer(&written)))
	if r == 0 {
		return err
	}
	return nil
}

func ReadProcessMemory(process windows.Handle, addr uintptr, data []byte) error {
	var read uintptr
	r, _, err := procReadProcessMemory.Call(uintptr(process), addr,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), uintptr(unsafe.Pointer(&read)))
	if r == 0 {
		return err
	}
	return nil
}

func CreateRemoteThread(process windows.Handle, start, param uintptr) (windows.Handle, uint32, error) {
	var tid uint32
	r, _, err := procCreateRemoteThread.Call(uintptr(process), 0, 0, start, param, 0, uintptr(unsafe.Pointer(&tid)))
	if r == 0 {
		return 0, 0, err
	}
	return windows.Handle(r), tid, nil
}

func GetExitCodeThread(thread windows.Handle) (uint32, error) {
	var code uint32
	r, _, err := procGetExitCodeThread.Call(uintptr(thread), uintptr(unsafe.Pointer(&code)))
	if r == 0 {
		return 0, err
	}
	return code, nil
}

func FlushInstructionCache(process windows.Handle, addr uintptr, size uintptr) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(process), addr, size)
	if r == 0 {
		return err
	}
	return nil
}

func EnumProcessModulesEx(process windows.Handle, modules []windows.Handle) (int, error) {
	var needed uint32
	var ptr unsafe.Pointer
	if len(modules) > 0 {
		ptr = unsafe.Pointer(&modules[0])
	}
	r, _, err := procEnumProcessModulesEx.Call(uintptr(process), uintptr(ptr),
		uintptr(len(modules))*unsafe.Sizeof(windows.Handle(0)), uintptr(unsafe.Pointer(&needed)), ListModulesAll)
	if r == 0 {
		return 0, err
	}
	return int(uintptr(needed) / unsafe.Sizeof(windows.Handle(0))), nil
}

func GetModuleFileNameEx(process windows.Handle, module windows.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_PATH*2)
	r, _, err := procGetModuleFileNameExW.Call(uintptr(process), uintptr(module),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if r == 0 {
		return "", err
	}
	return windows.UTF16ToString(buf[:r]), nil
}

func SymInitialize(process windows.Handle, invadeProcess bool) error {
	var invade uintptr
	if invadeProcess {
		invade = 1
	}
	r, _, err := procSymInitializeW.Call(uintptr(process), 0, invade)
	if r == 0 {
		return err
	}
	return nil
}

func SymCleanup(process windows.Handle) error {
	r, _, err := procSymCleanup.Call(uintptr(process))
	if r == 0 {
		return err
	}
	return nil
}

func SymSetOptions(options uint32) uint32 {
	r, _, _ := procSymSetOptions.Call(uintptr(options))
	return uint32(r)
}

// SymFromAddr resolves the symbol containing addr and returns its name and
// the displacement of addr from the symbol start.
func SymFromAddr(process windows.Handle, addr uint64) (string, uint64, error) {
	buf := make([]byte, unsafe.Sizeof(SymbolInfo{})+MaxSymName)
	sym := (*SymbolInfo)(unsafe.Pointer(&buf[0]))
	sym.SizeOfStruct = uint32(unsafe.Sizeof(SymbolInfo{}))
	sym.MaxNameLen = MaxSymName

	var displacement uint64
	r, _, err := procSymFromAddr.Call(uintptr(process), uintptr(addr),
		uintptr(unsafe.Pointer(&displacement)), uintptr(unsafe.Pointer(sym)))
	if r == 0 {
		return "", 0, err
	}
	name := unsafe.Slice(&sym.Name[0], sym.NameLen)
	return string(name), displacement, nil
}
