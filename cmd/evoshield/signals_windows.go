//go:build windows

package main

import "os"

// signalActions is empty on Windows; the config watcher covers reloads.
func signalActions(*service) map[os.Signal]func() { return nil }
