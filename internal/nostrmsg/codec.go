package nostrmsg

import (
	"encoding/json"
	"fmt"
)

// ClientMsgKind identifies which client->relay command a ClientMsg carries.
type ClientMsgKind int

const (
	ClientMsgReq ClientMsgKind = iota
	ClientMsgClose
	ClientMsgEvent
)

// ClientMsg is a decoded client->relay message. REQ filter objects are
// kept opaque (as raw JSON) - the proxy never interprets them.
type ClientMsg struct {
	Kind    ClientMsgKind
	SubID   string
	Filters []json.RawMessage // REQ only
	Event   *Event            // EVENT only
}

// DecodeClientMsg parses a text frame sent by a client. Recognized
// commands are REQ, CLOSE, EVENT. Any other command, or any structural
// problem, returns an error; callers must still forward the original
// text verbatim rather than drop it (see the error types in errors.go).
func DecodeClientMsg(text []byte) (*ClientMsg, error) {
	cmd, arr, err := splitCommand(text)
	if err != nil {
		return nil, err
	}

	switch cmd {
	case "REQ":
		if len(arr) < 2 {
			return nil, &InvalidError{Detail: "REQ missing subscription id"}
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &InvalidError{Detail: "REQ subscription id not a string"}
		}
		return &ClientMsg{Kind: ClientMsgReq, SubID: subID, Filters: arr[2:]}, nil

	case "CLOSE":
		if len(arr) < 2 {
			return nil, &InvalidError{Detail: "CLOSE missing subscription id"}
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &InvalidError{Detail: "CLOSE subscription id not a string"}
		}
		return &ClientMsg{Kind: ClientMsgClose, SubID: subID}, nil

	case "EVENT":
		if len(arr) < 2 {
			return nil, &InvalidError{Detail: "EVENT missing event object"}
		}
		var ev Event
		if err := json.Unmarshal(arr[1], &ev); err != nil {
			return nil, &InvalidError{Detail: "EVENT payload: " + err.Error()}
		}
		return &ClientMsg{Kind: ClientMsgEvent, Event: &ev}, nil

	default:
		return nil, &UnsupportedCommandError{Command: cmd}
	}
}

// RelayMsgKind identifies which relay->client command a RelayMsg carries.
type RelayMsgKind int

const (
	RelayMsgEvent RelayMsgKind = iota
	RelayMsgEOSE
	RelayMsgNotice
	RelayMsgOK
)

// RelayMsg is a decoded relay->client message, used by the proxy's
// upstream-to-client flow to observe OK and NOTICE frames. It is observational
// only: the proxy forwards the original bytes, never a re-encoding of
// this struct, except for locally-injected NOTICE frames (see EncodeNotice).
type RelayMsg struct {
	Kind    RelayMsgKind
	SubID   string // EVENT, EOSE
	Event   *Event // EVENT
	Message string // NOTICE
	EventID string // OK
	OK      bool   // OK
	OKNote  string // OK
}

// DecodeRelayMsg parses a text frame sent by the upstream relay.
// Recognized commands are EVENT, EOSE, NOTICE, OK.
func DecodeRelayMsg(text []byte) (*RelayMsg, error) {
	cmd, arr, err := splitCommand(text)
	if err != nil {
		return nil, err
	}

	switch cmd {
	case "EVENT":
		if len(arr) < 3 {
			return nil, &InvalidError{Detail: "EVENT missing subscription id or event"}
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &InvalidError{Detail: "EVENT subscription id not a string"}
		}
		var ev Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			return nil, &InvalidError{Detail: "EVENT payload: " + err.Error()}
		}
		return &RelayMsg{Kind: RelayMsgEvent, SubID: subID, Event: &ev}, nil

	case "EOSE":
		if len(arr) < 2 {
			return nil, &InvalidError{Detail: "EOSE missing subscription id"}
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &InvalidError{Detail: "EOSE subscription id not a string"}
		}
		return &RelayMsg{Kind: RelayMsgEOSE, SubID: subID}, nil

	case "NOTICE":
		if len(arr) < 2 {
			return nil, &InvalidError{Detail: "NOTICE missing message"}
		}
		var msg string
		if err := json.Unmarshal(arr[1], &msg); err != nil {
			return nil, &InvalidError{Detail: "NOTICE message not a string"}
		}
		return &RelayMsg{Kind: RelayMsgNotice, Message: msg}, nil

	case "OK":
		if len(arr) < 3 {
			return nil, &InvalidError{Detail: "OK missing event id or accepted flag"}
		}
		var eventID string
		if err := json.Unmarshal(arr[1], &eventID); err != nil {
			return nil, &InvalidError{Detail: "OK event id not a string"}
		}
		var accepted bool
		if err := json.Unmarshal(arr[2], &accepted); err != nil {
			return nil, &InvalidError{Detail: "OK accepted flag not a bool"}
		}
		var note string
		if len(arr) >= 4 {
			_ = json.Unmarshal(arr[3], &note)
		}
		return &RelayMsg{Kind: RelayMsgOK, EventID: eventID, OK: accepted, OKNote: note}, nil

	default:
		return nil, &UnsupportedCommandError{Command: cmd}
	}
}

// splitCommand unmarshals a text frame as a JSON array and extracts its
// leading command string. Malformed JSON propagates the json error;
// well-formed JSON of the wrong shape reports ErrNotArray.
func splitCommand(text []byte) (string, []json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(text, &arr); err != nil {
		if !json.Valid(text) {
			return "", nil, fmt.Errorf("nostrmsg: %w", err)
		}
		return "", nil, ErrNotArray
	}
	if len(arr) == 0 {
		return "", nil, ErrMissingCommand
	}
	var cmd string
	if err := json.Unmarshal(arr[0], &cmd); err != nil {
		return "", nil, ErrCommandNotString
	}
	return cmd, arr, nil
}

// EncodeNotice builds the wire bytes for a locally-injected NOTICE frame.
func EncodeNotice(message string) []byte {
	b, _ := json.Marshal([]interface{}{"NOTICE", message})
	return b
}
