//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package executor

import "os/exec"

// configureProcessGroup keeps the exec default of killing only the direct child.
func configureProcessGroup(cmd *exec.Cmd) {}
