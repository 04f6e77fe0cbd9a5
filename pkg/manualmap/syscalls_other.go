//go:build !windows

package manualmap

import "fmt"

func openTarget(pid int) (MemoryTarget, error) {
	if pid != 0 {
		return nil, fmt.Errorf("%w: pid %d: remote targets require Windows", ErrProcessOpen, pid)
	}
	return nil, fmt.Errorf("%w: mapping into the local process requires Windows, use a dry run instead", ErrAllocation)
}
