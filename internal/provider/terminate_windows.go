//go:build windows

package provider

import "os"

// terminate stops the subprocess. Windows has no SIGTERM; Kill is the only
// reliable option.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
