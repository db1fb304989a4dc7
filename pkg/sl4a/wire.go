package sl4a

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// handshakeRequest is the first frame sent on a new Connection. cmd is
// "initiate" for a brand new session or "continue" to attach to an
// existing session UID.
type handshakeRequest struct {
	Cmd string `json:"cmd"`
	UID int    `json:"uid"`
}

// handshakeResponse is the agent's reply to a handshakeRequest.
type handshakeResponse struct {
	Status bool `json:"status"`
	UID    int  `json:"uid"`
}

// rpcRequest is one JSON-RPC call frame.
type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// apiError is the structured form of a response's error field.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// rpcResponseWire is one JSON-RPC reply frame as it appears on the wire.
// Error may decode as null, a scalar (legacy form), or a structured
// apiError object; callers inspect the raw bytes to distinguish the three,
// since json.RawMessage defers that decision.
type rpcResponseWire struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// eventFrame is one asynchronous event pushed by the agent and returned by
// the eventWait RPC method.
type eventFrame struct {
	Name string          `json:"name"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
}

// eventDispatcherShutdown is the sentinel event name that terminates the
// dispatcher's poll loop.
const eventDispatcherShutdown = "EventDispatcherShutdown"

// writeLine marshals v and writes it as one newline-terminated line,
// flushing the writer immediately. The wire format allows exactly one JSON
// document per line in either direction.
func writeLine(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sl4a: encode frame: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// readLine reads one newline-terminated line, stripping the trailing
// newline. A read error with no bytes read (EOF, timeout) is returned as
// is; a partial line cut short by an error is returned with a nil error.
// An empty string with a nil error means a blank line was received, which
// callers treat as "no response" per the retry rules in §4.C.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// decodeResponse parses one reply line into its id, raw result, and raw
// error fields, deferring error-shape interpretation (scalar vs structured)
// to the caller, which has the RPC method name for a useful ApiError.
func decodeResponse(line string) (rpcResponseWire, error) {
	var resp rpcResponseWire
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return rpcResponseWire{}, fmt.Errorf("sl4a: decode response: %w", err)
	}
	return resp, nil
}

// jsonUnmarshalLine is a small shared helper so callers outside this file
// don't need to import encoding/json directly for one-off line decodes.
func jsonUnmarshalLine(line string, v any) error {
	return json.Unmarshal([]byte(line), v)
}
