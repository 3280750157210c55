// Package protocol implements the chatrelay wire format: length-framed UTF-8
// JSON records, decoded once into a closed set of message types.
package protocol

import (
	"errors"
	"time"
)

// Actions carried in the "action" field of a request.
const (
	ActionPresence     = "presence"
	ActionAuthenticate = "authenticate"
	ActionMsg          = "msg"
	ActionGetContacts  = "get_contacts"
	ActionAddContact   = "add_contact"
	ActionDelContact   = "del_contact"
	ActionQuit         = "quit"
)

// Response codes carried in the "response" field of a reply.
const (
	CodeOK         = 200
	CodeAccepted   = 202
	CodeBadRequest = 400
	CodeNeedAuth   = 401
	CodeConflict   = 402
	CodeNotFound   = 404
)

var (
	ErrInvalidUTF8   = errors.New("body is not valid UTF-8")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Message is one decoded protocol record. The set of implementations is
// closed; callers switch on the concrete type.
type Message interface {
	// Action reports the action name of the record, or "" for replies and
	// records that could not be parsed.
	Action() string

	isMessage()
}

// Presence announces the identity a client claims.
type Presence struct {
	Time        float64
	AccountName string
}

// Authenticate carries the password for the identity claimed by Presence.
type Authenticate struct {
	Time        float64
	AccountName string
	Password    string
}

// Chat is a directed chat message. The same record is relayed to the
// recipient unchanged except for its timestamp.
type Chat struct {
	Time float64
	From string
	To   string
	Text string
}

// GetContacts requests the contact list of Login.
type GetContacts struct {
	Time  float64
	Login string
}

// AddContact adds Contact to the contact list of Owner.
type AddContact struct {
	Time    float64
	Owner   string
	Contact string
}

// DelContact removes Contact from the contact list of Owner.
type DelContact struct {
	Time    float64
	Owner   string
	Contact string
}

// Quit asks the server to close the connection.
type Quit struct {
	Time float64
}

// Response is a server reply.
type Response struct {
	Code  int
	Time  float64
	Error string
	Alert []string
}

// BadRequest is a well-formed record whose action is unknown or whose
// required fields are missing.
type BadRequest struct {
	Name string
}

// Unparseable is a frame body that is not a UTF-8 JSON object.
type Unparseable struct {
	Err error
}

func (Presence) Action() string     { return ActionPresence }
func (Authenticate) Action() string { return ActionAuthenticate }
func (Chat) Action() string         { return ActionMsg }
func (GetContacts) Action() string  { return ActionGetContacts }
func (AddContact) Action() string   { return ActionAddContact }
func (DelContact) Action() string   { return ActionDelContact }
func (Quit) Action() string         { return ActionQuit }
func (Response) Action() string     { return "" }
func (b BadRequest) Action() string { return b.Name }
func (Unparseable) Action() string  { return "" }

func (Presence) isMessage()     {}
func (Authenticate) isMessage() {}
func (Chat) isMessage()         {}
func (GetContacts) isMessage()  {}
func (AddContact) isMessage()   {}
func (DelContact) isMessage()   {}
func (Quit) isMessage()         {}
func (Response) isMessage()     {}
func (BadRequest) isMessage()   {}
func (Unparseable) isMessage()  {}

// Timestamp converts t to the wire representation: seconds since the Unix
// epoch as a float.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromTimestamp is the inverse of Timestamp.
func FromTimestamp(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
