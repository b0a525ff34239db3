//go:build windows

package engine

func processAlive(pid int) bool { return false }
