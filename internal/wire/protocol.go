// Package wire implements the JSON command protocol spoken by the rendering
// engine's command socket.
//
// Every call opens a fresh TCP connection, writes one JSON request of the form
// {"command": ..., "args": ...} and reads the reply until the engine closes the
// connection. Large payloads are fetched in two steps: the *_LEN command
// returns a decimal byte count, then the payload command is read with
// read-exactly-N semantics.
package wire

import (
	"encoding/json"
	"errors"
)

// Commands understood by the engine.
const (
	CmdReset               = "RESET"
	CmdGetURL              = "GET_URL"
	CmdSetURL              = "SET_URL"
	CmdSetHeader           = "SET_HEADER"
	CmdGetHeaders          = "GET_HEADERS"
	CmdGetHeadersLen       = "GET_HEADERS_LEN"
	CmdSetPref             = "SET_PREF"
	CmdSetProxy            = "SET_PROXY"
	CmdDisableProxy        = "DISABLE_PROXY"
	CmdGetHTML             = "GET_HTML"
	CmdGetHTMLLen          = "GET_HTML_LEN"
	CmdGetRedirects        = "GET_REDIRECTS"
	CmdGetRedirectsLen     = "GET_REDIRECTS_LEN"
	CmdGetResponseCodes    = "GET_RESPONSE_CODES"
	CmdGetResponseCodesLen = "GET_RESPONSE_CODES_LEN"
	CmdHasPageLoaded       = "HAS_PAGE_LOADED"
	CmdIsPageError         = "IS_PAGE_ERROR"
	CmdEvalJS              = "EVAL_JS"
	CmdSaveScreenshot      = "SAVE_SCREENSHOT_FILE"
	CmdSaveHTML            = "SAVE_HTML_FILE"
	CmdSetPort             = "SET_PORT"
)

// Reply result values.
const (
	ResultDone  = "DONE"
	ResultError = "ERROR"
	ResultTrue  = "True"
	ResultFalse = "False"
)

// HeaderServerAddress carries the remote address the engine connected to.
const HeaderServerAddress = "X-Server-Address"

var (
	// ErrConnect is returned when the engine socket cannot be reached.
	ErrConnect = errors.New("connect to engine")
	// ErrLengthMismatch is returned when a payload is shorter than its announced length.
	ErrLengthMismatch = errors.New("payload length mismatch")
	// ErrDecode is returned when a reply is not the expected JSON.
	ErrDecode = errors.New("decode engine reply")
	// ErrCommand is returned when the engine replied {"result":"ERROR"}.
	ErrCommand = errors.New("engine command failed")
	// ErrRetryTimeout is returned when a retried command never succeeded.
	ErrRetryTimeout = errors.New("engine retry timeout")
)

// Request is one command sent to the engine.
type Request struct {
	Command string `json:"command"`
	Args    any    `json:"args"`
}

// Reply is the envelope used by status-style commands.
type Reply struct {
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message,omitempty"`
}

// Done returns the canonical success reply.
func Done() Reply {
	return Reply{Result: json.RawMessage(`"` + ResultDone + `"`)}
}

// Failure returns an error reply carrying msg.
func Failure(msg string) Reply {
	return Reply{Result: json.RawMessage(`"` + ResultError + `"`), Message: msg}
}

// Bool returns a "True"/"False" reply.
func Bool(v bool) Reply {
	if v {
		return Reply{Result: json.RawMessage(`"` + ResultTrue + `"`)}
	}
	return Reply{Result: json.RawMessage(`"` + ResultFalse + `"`)}
}

// Location describes the address bar as returned by GET_URL.
type Location struct {
	Href     string `json:"href"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
}
