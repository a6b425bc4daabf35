package procutil

import (
	"fmt"
	"syscall"
)

// ForkExec starts name as a child process and returns its pid. Unlike raw
// fork(2), Go's runtime cannot safely continue running goroutines in a
// forked child (it assumes multiple OS threads it no longer has), so this
// wraps syscall.ForkExec — a fork immediately followed by exec in the
// child — which is the same primitive os/exec itself uses under the hood.
func ForkExec(path string, argv []string, attr *syscall.ProcAttr) (pid int, err error) {
	pid, err = syscall.ForkExec(path, argv, attr)
	if err != nil {
		return 0, fmt.Errorf("procutil: fork/exec %s: %w", path, err)
	}
	return pid, nil
}

// Waitpid blocks until pid has exited, looping past any wait_status that is
// neither WIFEXITED nor WIFSIGNALED (stopped/continued notifications), per
// spec.md §4.10, and returns the raw wait status; decode it with
// syscall.WaitStatus (e.g. ExitStatus()).
func Waitpid(pid int) (status int, err error) {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(pid, &ws, 0, nil)
		if err != nil {
			return 0, fmt.Errorf("procutil: waitpid %d: %w", pid, err)
		}
		if ws.Exited() || ws.Signaled() {
			return int(ws), nil
		}
	}
}
