package server

import (
	"errors"
	"slices"
	"time"

	"chatrelay/db"
	"chatrelay/protocol"

	"go.uber.org/zap"
)

// CloseReason says why a connection was torn down.
type CloseReason string

const (
	CloseNone      CloseReason = ""
	CloseQuit      CloseReason = "quit"
	CloseRejected  CloseReason = "rejected"
	CloseGuard     CloseReason = "login_guard"
	CloseTransport CloseReason = "transport"
	CloseMalformed CloseReason = "malformed"
	CloseDelivery  CloseReason = "delivery"
	CloseShutdown  CloseReason = "shutdown"
)

// Pending is a chat message queued for delivery in the write phase.
type Pending struct {
	From string
	To   string
	Chat protocol.Chat
}

// Result is the outcome of handling one inbound message. The event loop
// sends Reply to the originating connection, queues Relay, and then closes
// the connection if Close is set.
type Result struct {
	Reply *protocol.Response
	Relay *Pending
	Close CloseReason
}

const errWrongUser = "Wrong user name"

var knownActions = []string{
	protocol.ActionPresence,
	protocol.ActionAuthenticate,
	protocol.ActionMsg,
	protocol.ActionGetContacts,
	protocol.ActionAddContact,
	protocol.ActionDelContact,
	protocol.ActionQuit,
}

func isKnownAction(a string) bool { return slices.Contains(knownActions, a) }

func (s *Server) reply(code int, text string) Result {
	return Result{Reply: &protocol.Response{
		Code:  code,
		Time:  protocol.Timestamp(time.Now()),
		Error: text,
	}}
}

// route handles a message from an authenticated connection.
func (s *Server) route(c *Conn, m protocol.Message) Result {
	switch m := m.(type) {
	case protocol.Chat:
		if !s.sessions.Owns(m.From, c) {
			return s.guardViolation(c, m)
		}
		return s.handleChat(c, m)

	case protocol.GetContacts:
		if !s.sessions.Owns(m.Login, c) {
			return s.guardViolation(c, m)
		}
		return s.handleGetContacts(m)

	case protocol.AddContact:
		if !s.sessions.Owns(m.Owner, c) {
			return s.guardViolation(c, m)
		}
		return s.handleAddContact(m)

	case protocol.DelContact:
		if !s.sessions.Owns(m.Owner, c) {
			return s.guardViolation(c, m)
		}
		return s.handleDelContact(m)

	case protocol.Quit:
		return Result{Close: CloseQuit}

	case protocol.Presence, protocol.Authenticate:
		s.log.Debug("Handshake message on authenticated connection",
			zap.String("user", c.name),
			zap.String("action", m.Action()),
		)
		return s.reply(protocol.CodeBadRequest, errBadRequest)

	default:
		return s.reply(protocol.CodeBadRequest, errBadRequest)
	}
}

func (s *Server) handleChat(c *Conn, m protocol.Chat) Result {
	if !s.sessions.IsBound(m.To) {
		s.log.Debug("Message for user not connected", zap.String("from", m.From), zap.String("to", m.To))
		return s.reply(protocol.CodeBadRequest, errWrongUser)
	}
	return Result{Relay: &Pending{From: m.From, To: m.To, Chat: m}}
}

func (s *Server) handleGetContacts(m protocol.GetContacts) Result {
	contacts, err := s.dir.Contacts(m.Login)
	if err != nil {
		s.log.Error("Failed to load contacts", zap.String("user", m.Login), zap.Error(err))
		return s.reply(protocol.CodeBadRequest, errInternal)
	}
	if contacts == nil {
		contacts = []string{}
	}
	res := s.reply(protocol.CodeAccepted, "")
	res.Reply.Alert = contacts
	return res
}

func (s *Server) handleAddContact(m protocol.AddContact) Result {
	if err := s.dir.AddContact(m.Owner, m.Contact); err != nil {
		return s.contactError("add", m.Owner, m.Contact, err)
	}
	s.log.Info("Contact added", zap.String("user", m.Owner), zap.String("contact", m.Contact))
	return s.reply(protocol.CodeOK, "")
}

func (s *Server) handleDelContact(m protocol.DelContact) Result {
	if err := s.dir.RemoveContact(m.Owner, m.Contact); err != nil {
		return s.contactError("remove", m.Owner, m.Contact, err)
	}
	s.log.Info("Contact removed", zap.String("user", m.Owner), zap.String("contact", m.Contact))
	return s.reply(protocol.CodeOK, "")
}

func (s *Server) contactError(op, owner, contact string, err error) Result {
	log := s.log.With(zap.String("op", op), zap.String("user", owner), zap.String("contact", contact))
	switch {
	case errors.Is(err, db.ErrContactExists), errors.Is(err, db.ErrUnknownContact), errors.Is(err, db.ErrUserNotFound):
		log.Debug("Contact update refused", zap.Error(err))
		return s.reply(protocol.CodeBadRequest, err.Error())
	default:
		log.Error("Contact update failed", zap.Error(err))
		return s.reply(protocol.CodeBadRequest, errInternal)
	}
}
