package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"chatrelay/models"

	"go.uber.org/zap"
)

// controlTarget is the part of the relay the control socket drives.
type controlTarget interface {
	Stats() string
	Sessions() []models.Session
	Stop()
}

// serveControl answers line commands on ln until it is closed.
func serveControl(ln net.Listener, srv controlTarget, log *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		} else if err != nil {
			log.Warn("Error accepting control connection", zap.Error(err))
			continue
		}
		handleControlCommand(srv, conn, log)
	}
}

// handleControlCommand reads one "cmd|arg" line and writes one reply line.
func handleControlCommand(srv controlTarget, conn net.Conn, log *zap.Logger) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		fmt.Fprintf(conn, "OK|%s\n", srv.Stats())

	case "sessions":
		var rows []string
		for _, s := range srv.Sessions() {
			rows = append(rows, fmt.Sprintf("%s,%s,%s,%s", s.ID, s.Address, s.Stage, s.Name))
		}
		fmt.Fprintf(conn, "OK|%s\n", strings.Join(rows, ";"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		fmt.Fprint(conn, "OK|Shutting down\n")
		log.Info("Shutdown requested", zap.String("reason", reason))
		srv.Stop()

	default:
		fmt.Fprint(conn, "ERROR|Unknown command\n")
	}
}
