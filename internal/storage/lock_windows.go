//go:build windows

package storage

import (
	"bytes"
	"os/exec"
	"strconv"
)

// processAlive reports whether pid exists, using tasklist.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	cmd := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return bytes.Contains(output, []byte(strconv.Itoa(pid)))
}
