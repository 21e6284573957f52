//go:build windows

package xray

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// terminate kills the engine together with every child it spawned. A plain
// TerminateProcess on the parent leaves its children running.
func terminate(p *os.Process) error {
	out, err := exec.Command("taskkill", "/pid", strconv.Itoa(p.Pid), "/T", "/F").CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill: %w: %s", err, out)
	}
	return nil
}
