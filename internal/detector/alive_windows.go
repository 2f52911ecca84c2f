//go:build windows

package detector

import "syscall"

const processQueryInformation = 0x0400

// PIDAlive returns true if a process with the given pid can be opened on Windows.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
