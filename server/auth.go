package server

import (
	"chatrelay/passwd"
	"chatrelay/protocol"

	"go.uber.org/zap"
)

const (
	errAlreadyConnected = "User already connected."
	errNotRegistered    = "User not registered"
	errNeedAuthenticate = "Need authenticate"
	errWrongPassword    = "wrong password or no account with that name"
	errBadRequest       = "Bad request."
	errInternal         = "Internal error"
)

// handshake runs the login state machine for a connection that is not yet
// authenticated.
func (s *Server) handshake(c *Conn, m protocol.Message) Result {
	switch m := m.(type) {
	case protocol.Presence:
		if c.stage != StageNew {
			return s.reject(c, "bad_request", protocol.CodeBadRequest, errBadRequest)
		}
		return s.handlePresence(c, m)

	case protocol.Authenticate:
		if c.stage != StageAwaitingPassword {
			return s.reject(c, "bad_request", protocol.CodeBadRequest, errBadRequest)
		}
		return s.handleAuthenticate(c, m)

	case protocol.Quit:
		return Result{Close: CloseQuit}

	case protocol.BadRequest:
		if m.Name == protocol.ActionPresence || m.Name == protocol.ActionAuthenticate {
			return s.reject(c, "bad_request", protocol.CodeBadRequest, errBadRequest)
		}
	}

	if c.stage == StageAwaitingPassword {
		return s.reject(c, "bad_request", protocol.CodeBadRequest, errBadRequest)
	}
	return s.guardViolation(c, m)
}

func (s *Server) handlePresence(c *Conn, m protocol.Presence) Result {
	name := m.AccountName
	log := s.log.With(zap.String("user", name), zap.String("addr", c.Addr))

	if s.sessions.IsBound(name) {
		log.Debug("Presence for a connected user")
		s.metrics.logins.WithLabelValues("already_connected").Inc()
		return s.reply(protocol.CodeConflict, errAlreadyConnected)
	}

	exists, err := s.dir.UserExists(name)
	if err != nil {
		log.Error("Presence lookup failed", zap.Error(err))
		return s.reply(protocol.CodeBadRequest, errInternal)
	}
	if !exists {
		log.Debug("Unknown username")
		return s.reject(c, "not_registered", protocol.CodeNotFound, errNotRegistered)
	}

	log.Debug("Correct username, starting password check")
	c.name = name
	c.stage = StageAwaitingPassword
	return s.reply(protocol.CodeNeedAuth, errNeedAuthenticate)
}

func (s *Server) handleAuthenticate(c *Conn, m protocol.Authenticate) Result {
	name := c.name
	log := s.log.With(zap.String("user", name), zap.String("addr", c.Addr))

	if m.AccountName != name {
		log.Debug("Authenticate for a different user than presence", zap.String("claimed", m.AccountName))
		return s.reject(c, "bad_request", protocol.CodeBadRequest, errBadRequest)
	}

	hash, err := s.dir.PasswordHash(name)
	if err != nil {
		log.Warn("Password lookup failed", zap.Error(err))
		return s.reject(c, "bad_password", protocol.CodeConflict, errWrongPassword)
	}
	if !passwd.Verify(name, m.Password, hash) {
		log.Info("Wrong password")
		return s.reject(c, "bad_password", protocol.CodeConflict, errWrongPassword)
	}

	// Another connection may have completed a login for the same name
	// while this one was waiting for its password.
	if !s.sessions.Bind(name, c) {
		log.Info("User logged in elsewhere during handshake")
		return s.reject(c, "already_connected", protocol.CodeConflict, errAlreadyConnected)
	}
	if err := s.dir.RecordLogin(name, c.Addr); err != nil {
		log.Error("Failed to record login", zap.Error(err))
	}

	c.stage = StageAuthenticated
	s.metrics.logins.WithLabelValues("ok").Inc()
	s.metrics.sessions.Set(float64(s.sessions.Bound()))
	log.Info("User logged in")
	return s.reply(protocol.CodeOK, "")
}

// reject answers with code and marks c for closing.
func (s *Server) reject(c *Conn, result string, code int, text string) Result {
	c.stage = StageRejected
	s.metrics.logins.WithLabelValues(result).Inc()
	r := s.reply(code, text)
	r.Close = CloseRejected
	return r
}

// guardViolation tears down a connection that acted under an identity it
// is not bound to.
func (s *Server) guardViolation(c *Conn, m protocol.Message) Result {
	s.log.Warn("Login guard violation",
		zap.String("addr", c.Addr),
		zap.String("stage", c.stage.String()),
		zap.String("action", m.Action()),
	)
	return Result{Close: CloseGuard}
}
