package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

type wireUser struct {
	AccountName *string `json:"account_name,omitempty"`
	Password    *string `json:"password,omitempty"`
}

// wireRecord is the union of every field any record may carry. Pointers
// distinguish absent fields from empty ones.
type wireRecord struct {
	Action    *string   `json:"action,omitempty"`
	Response  *int      `json:"response,omitempty"`
	Time      *float64  `json:"time,omitempty"`
	User      *wireUser `json:"user,omitempty"`
	From      *string   `json:"from,omitempty"`
	To        *string   `json:"to,omitempty"`
	Message   *string   `json:"message,omitempty"`
	UserLogin *string   `json:"user_login,omitempty"`
	UserID    *string   `json:"user_id,omitempty"`
	Error     *string   `json:"error,omitempty"`
	Alert     *[]string `json:"alert,omitempty"`
}

// Decode parses a frame body. It never fails: bodies that are not UTF-8 JSON
// objects decode to Unparseable, and objects that match no known shape decode
// to BadRequest.
func Decode(body []byte) Message {
	if !utf8.Valid(body) {
		return Unparseable{Err: ErrInvalidUTF8}
	}
	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return Unparseable{Err: err}
	}

	if w.Response != nil {
		rsp := Response{Code: *w.Response, Time: deref(w.Time), Error: deref(w.Error)}
		if w.Alert != nil {
			rsp.Alert = *w.Alert
		}
		return rsp
	}
	if w.Action == nil {
		return BadRequest{}
	}

	action := *w.Action
	bad := BadRequest{Name: action}
	if w.Time == nil {
		return bad
	}
	ts := *w.Time

	switch action {
	case ActionPresence:
		if w.User == nil || w.User.AccountName == nil {
			return bad
		}
		return Presence{Time: ts, AccountName: *w.User.AccountName}

	case ActionAuthenticate:
		if w.User == nil || w.User.AccountName == nil || w.User.Password == nil {
			return bad
		}
		return Authenticate{Time: ts, AccountName: *w.User.AccountName, Password: *w.User.Password}

	case ActionMsg:
		if w.From == nil || w.To == nil || w.Message == nil {
			return bad
		}
		return Chat{Time: ts, From: *w.From, To: *w.To, Text: *w.Message}

	case ActionGetContacts:
		if w.UserLogin == nil {
			return bad
		}
		return GetContacts{Time: ts, Login: *w.UserLogin}

	case ActionAddContact, ActionDelContact:
		if w.UserID == nil || w.UserLogin == nil {
			return bad
		}
		if action == ActionAddContact {
			return AddContact{Time: ts, Owner: *w.UserID, Contact: *w.UserLogin}
		}
		return DelContact{Time: ts, Owner: *w.UserID, Contact: *w.UserLogin}

	case ActionQuit:
		return Quit{Time: ts}
	}
	return bad
}

// Encode renders m as a frame body. BadRequest and Unparseable have no wire
// form and are rejected.
func Encode(m Message) ([]byte, error) {
	var w wireRecord
	switch m := m.(type) {
	case Presence:
		w = request(m, m.Time)
		w.User = &wireUser{AccountName: &m.AccountName}
	case Authenticate:
		w = request(m, m.Time)
		w.User = &wireUser{AccountName: &m.AccountName, Password: &m.Password}
	case Chat:
		w = request(m, m.Time)
		w.From, w.To, w.Message = &m.From, &m.To, &m.Text
	case GetContacts:
		w = request(m, m.Time)
		w.UserLogin = &m.Login
	case AddContact:
		w = request(m, m.Time)
		w.UserID, w.UserLogin = &m.Owner, &m.Contact
	case DelContact:
		w = request(m, m.Time)
		w.UserID, w.UserLogin = &m.Owner, &m.Contact
	case Quit:
		w = request(m, m.Time)
	case Response:
		w.Response, w.Time = &m.Code, &m.Time
		if m.Error != "" {
			w.Error = &m.Error
		}
		if m.Alert != nil || m.Code == CodeAccepted {
			alert := m.Alert
			if alert == nil {
				alert = []string{}
			}
			w.Alert = &alert
		}
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}
	return json.Marshal(w)
}

func request(m Message, ts float64) wireRecord {
	action := m.Action()
	return wireRecord{Action: &action, Time: &ts}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
