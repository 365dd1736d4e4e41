//go:build !windows

package proc

import (
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned by every process-controller operation
// on non-Windows builds.
var ErrUnsupportedPlatform = errors.New("process control requires windows")

// Process is a stub on non-Windows platforms.
type Process struct{}

func Launch(LaunchSpec) (*Process, error) { return nil, ErrUnsupportedPlatform }
func OpenPid(uint32) (*Process, error)    { return nil, ErrUnsupportedPlatform }
func OpenName(string) (*Process, error)   { return nil, ErrUnsupportedPlatform }
func FindPids(string) ([]uint32, error)   { return nil, ErrUnsupportedPlatform }
func KillPid(uint32) error                { return ErrUnsupportedPlatform }
func KillName(string) error               { return ErrUnsupportedPlatform }

func (p *Process) Pid() uint32                        { return 0 }
func (p *Process) Launched() bool                     { return false }
func (p *Process) Threads() ([]uint32, error)         { return nil, ErrUnsupportedPlatform }
func (p *Process) ResumeInitial() error               { return ErrUnsupportedPlatform }
func (p *Process) Wait(time.Duration) (uint32, error) { return 0, ErrUnsupportedPlatform }
func (p *Process) Poll() (*uint32, error)             { return nil, ErrUnsupportedPlatform }
func (p *Process) Kill() error                        { return ErrUnsupportedPlatform }
func (p *Process) Close() error                       { return nil }
func (p *Process) Inject(InjectSpec) error            { return ErrUnsupportedPlatform }
