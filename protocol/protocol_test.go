package protocol_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"chatrelay/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want protocol.Message
	}{
		{"presence",
			`{"action":"presence","time":1.5,"user":{"account_name":"nik"}}`,
			protocol.Presence{Time: 1.5, AccountName: "nik"}},
		{"authenticate",
			`{"action":"authenticate","time":2,"user":{"account_name":"nik","password":"pw"}}`,
			protocol.Authenticate{Time: 2, AccountName: "nik", Password: "pw"}},
		{"msg",
			`{"action":"msg","time":3,"from":"nik","to":"kate","message":"hi"}`,
			protocol.Chat{Time: 3, From: "nik", To: "kate", Text: "hi"}},
		{"get contacts",
			`{"action":"get_contacts","time":4,"user_login":"nik"}`,
			protocol.GetContacts{Time: 4, Login: "nik"}},
		{"add contact",
			`{"action":"add_contact","time":5,"user_id":"nik","user_login":"kate"}`,
			protocol.AddContact{Time: 5, Owner: "nik", Contact: "kate"}},
		{"del contact",
			`{"action":"del_contact","time":6,"user_id":"nik","user_login":"kate"}`,
			protocol.DelContact{Time: 6, Owner: "nik", Contact: "kate"}},
		{"quit", `{"action":"quit","time":7}`, protocol.Quit{Time: 7}},
		{"response",
			`{"response":202,"time":8,"alert":["kate"]}`,
			protocol.Response{Code: 202, Time: 8, Alert: []string{"kate"}}},
		{"response with error",
			`{"response":400,"time":9,"error":"Wrong user name"}`,
			protocol.Response{Code: 400, Time: 9, Error: "Wrong user name"}},

		{"missing time", `{"action":"quit"}`, protocol.BadRequest{Name: "quit"}},
		{"missing user", `{"action":"presence","time":1}`, protocol.BadRequest{Name: "presence"}},
		{"missing password",
			`{"action":"authenticate","time":1,"user":{"account_name":"nik"}}`,
			protocol.BadRequest{Name: "authenticate"}},
		{"missing to", `{"action":"msg","time":1,"from":"a","message":"x"}`, protocol.BadRequest{Name: "msg"}},
		{"unknown action", `{"action":"dance","time":1}`, protocol.BadRequest{Name: "dance"}},
		{"no action", `{"time":1}`, protocol.BadRequest{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := protocol.Decode([]byte(tc.body))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Decode(%s) (-want, +got):\n%s", tc.body, diff)
			}
		})
	}
}

func TestDecodeUnparseable(t *testing.T) {
	for _, body := range []string{"", "not json", `["presence"]`, `{"action":`, "\xff\xfe{}"} {
		got := protocol.Decode([]byte(body))
		if _, ok := got.(protocol.Unparseable); !ok {
			t.Errorf("Decode(%q): got %T, want Unparseable", body, got)
		}
	}
	if u, ok := protocol.Decode([]byte("\xff")).(protocol.Unparseable); !ok || !errors.Is(u.Err, protocol.ErrInvalidUTF8) {
		t.Errorf("Decode(invalid UTF-8): got %v, want ErrInvalidUTF8", u)
	}
}

func TestEncodeRelay(t *testing.T) {
	body, err := protocol.Encode(protocol.Chat{Time: 10, From: "nik", To: "kate", Text: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]any{"action": "msg", "time": 10.0, "from": "nik", "to": "kate", "message": "hi"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Encoded relay (-want, +got):\n%s", diff)
	}
}

func TestEncodeResponse(t *testing.T) {
	tests := []struct {
		rsp  protocol.Response
		want map[string]any
	}{
		{protocol.Response{Code: 200, Time: 1},
			map[string]any{"response": 200.0, "time": 1.0}},
		{protocol.Response{Code: 400, Time: 1, Error: "Bad request."},
			map[string]any{"response": 400.0, "time": 1.0, "error": "Bad request."}},
		{protocol.Response{Code: 202, Time: 1},
			map[string]any{"response": 202.0, "time": 1.0, "alert": []any{}}},
		{protocol.Response{Code: 202, Time: 1, Alert: []string{"a", "b"}},
			map[string]any{"response": 202.0, "time": 1.0, "alert": []any{"a", "b"}}},
	}
	for _, tc := range tests {
		body, err := protocol.Encode(tc.rsp)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", tc.rsp, err)
		}
		var got map[string]any
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Encode(%+v) (-want, +got):\n%s", tc.rsp, diff)
		}
	}
}

func TestEncodeRejectsUnwritable(t *testing.T) {
	for _, m := range []protocol.Message{protocol.BadRequest{Name: "x"}, protocol.Unparseable{}} {
		if body, err := protocol.Encode(m); err == nil {
			t.Errorf("Encode(%T): got %q, want error", m, body)
		}
	}
}

func TestRequestsSurviveTheWire(t *testing.T) {
	msgs := []protocol.Message{
		protocol.Presence{Time: 1, AccountName: "nik"},
		protocol.Authenticate{Time: 2, AccountName: "nik", Password: "secret"},
		protocol.Chat{Time: 3, From: "nik", To: "kate", Text: "привет | \"quoted\""},
		protocol.AddContact{Time: 4, Owner: "nik", Contact: "kate"},
		protocol.Quit{Time: 5},
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := protocol.WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage(%v): %v", m, err)
		}
	}
	var got []protocol.Message
	for {
		m, err := protocol.ReadMessage(&buf, protocol.DefaultMaxFrameSize)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		got = append(got, m)
	}
	if diff := cmp.Diff(msgs, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("ShortHeader", func(t *testing.T) {
		_, err := protocol.ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadFrame: got %v, want %v", err, io.ErrUnexpectedEOF)
		}
	})
	t.Run("ShortPayload", func(t *testing.T) {
		_, err := protocol.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 5, 'a', 'b'}), 0)
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadFrame: got %v, want %v", err, io.ErrUnexpectedEOF)
		}
	})
	t.Run("TooLarge", func(t *testing.T) {
		_, err := protocol.ReadFrame(bytes.NewReader([]byte{0, 1, 0, 0}), 1024)
		if !errors.Is(err, protocol.ErrFrameTooLarge) {
			t.Errorf("ReadFrame: got %v, want %v", err, protocol.ErrFrameTooLarge)
		}
	})
	t.Run("CleanEOF", func(t *testing.T) {
		_, err := protocol.ReadFrame(bytes.NewReader(nil), 0)
		if !errors.Is(err, io.EOF) {
			t.Errorf("ReadFrame: got %v, want %v", err, io.EOF)
		}
	})
}
