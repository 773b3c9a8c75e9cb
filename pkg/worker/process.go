package worker

import "os"

// killProcess best-effort kills a parked restore-helper pid. Errors are
// expected and ignored: the process may already have exited on its own.
func killProcess(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}
