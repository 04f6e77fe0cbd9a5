//go:build windows

package manualmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const PROCESS_ALL_ACCESS = 0x1fffff

var (
	kernel32DLL        = windows.NewLazySystemDLL("kernel32.dll")
	VirtualAllocExProc = kernel32DLL.NewProc("VirtualAllocEx")
)

func VirtualAllocEx(h windows.Handle, lpAddress uintptr, dwSize uintptr,
	flAllocationType uint32, flProtect uint32) (uintptr, error) {
	r1, _, lastErr := VirtualAllocExProc.Call(uintptr(h),
		uintptr(lpAddress),
		uintptr(dwSize),
		uintptr(flAllocationType),
		uintptr(flProtect))
	if r1 == 0 {
		return 0, lastErr
	}
	return r1, nil
}

// WriteProcessMemory writes lpBuffer to lpBaseAddress in hProcess in
// page-sized chunks and returns the total number of bytes written.
func WriteProcessMemory(hProcess windows.Handle, lpBaseAddress uintptr, lpBuffer []byte) (int, error) {
	const bufSize = 4096
	written := 0
	for written < len(lpBuffer) {
		end := written + bufSize
		if end > len(lpBuffer) {
			end = len(lpBuffer)
		}
		chunk := lpBuffer[written:end]

		var n uintptr
		err := windows.WriteProcessMemory(hProcess, lpBaseAddress+uintptr(written), &chunk[0], uintptr(len(chunk)), &n)
		written += int(n)
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, fmt.Errorf("no progress writing at 0x%x", lpBaseAddress+uintptr(written))
		}
	}
	return written, nil
}

func openTarget(pid int) (MemoryTarget, error) {
	if pid == 0 {
		return NewLocalTarget(), nil
	}
	return OpenRemoteTarget(pid)
}

// LocalTarget maps into the calling process.
type LocalTarget struct{}

func NewLocalTarget() *LocalTarget {
	return &LocalTarget{}
}

func (*LocalTarget) Alloc(addr, size uintptr) (uintptr, error) {
	p, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if p == 0 {
		return 0, err
	}
	return p, nil
}

func (*LocalTarget) Write(dst uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	dest := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(data))
	return copy(dest, data), nil
}

func (*LocalTarget) Close() error {
	return nil
}

func (*LocalTarget) String() string {
	return "local process"
}

// RemoteTarget maps into another process through a handle opened with full
// access.
type RemoteTarget struct {
	pid    int
	handle windows.Handle
}

func OpenRemoteTarget(pid int) (*RemoteTarget, error) {
	h, err := windows.OpenProcess(PROCESS_ALL_ACCESS, false, uint32(pid))
	if err != nil || h == 0 {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrProcessOpen, pid, err)
	}
	return &RemoteTarget{pid: pid, handle: h}, nil
}

func (r *RemoteTarget) Alloc(addr, size uintptr) (uintptr, error) {
	return VirtualAllocEx(r.handle, addr, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
}

func (r *RemoteTarget) Write(dst uintptr, data []byte) (int, error) {
	return WriteProcessMemory(r.handle, dst, data)
}

func (r *RemoteTarget) Close() error {
	if r.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(r.handle)
	r.handle = 0
	return err
}

func (r *RemoteTarget) String() string {
	return fmt.Sprintf("process %d (handle 0x%x)", r.pid, uintptr(r.handle))
}
