package process

import (
	"os"
	"strings"
	"syscall"
)

// ParseSignal converts a signal name to os.Signal, or nil if unknown.
func ParseSignal(name string) os.Signal {
	name = strings.TrimPrefix(strings.ToUpper(name), "SIG")
	switch name {
	case "TERM":
		return syscall.SIGTERM
	case "HUP":
		return syscall.SIGHUP
	case "INT":
		return syscall.SIGINT
	case "QUIT":
		return syscall.SIGQUIT
	case "KILL":
		return syscall.SIGKILL
	case "USR1":
		return syscall.SIGUSR1
	case "USR2":
		return syscall.SIGUSR2
	default:
		return nil
	}
}
