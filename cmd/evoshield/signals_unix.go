//go:build !windows

package main

import (
	"os"
	"syscall"
)

// signalActions maps the signals that trigger work instead of a shutdown:
// SIGHUP reloads the config, SIGUSR1 drains the replay spill.
func signalActions(s *service) map[os.Signal]func() {
	return map[os.Signal]func(){
		syscall.SIGHUP:  s.reload,
		syscall.SIGUSR1: s.drain,
	}
}
