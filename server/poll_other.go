//go:build !linux && !darwin

package server

func defaultPoller() Poller { return probePoller{} }
