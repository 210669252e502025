package stratum

import (
	"bufio"
	"encoding/json"
)

// Stratum V1 method names.
const (
	methodSubscribe     = "mining.subscribe"
	methodAuthorize     = "mining.authorize"
	methodSubmit        = "mining.submit"
	methodNotify        = "mining.notify"
	methodSetDifficulty = "mining.set_difficulty"
)

// DefaultClientVersion is sent on mining.subscribe when no ClientVersion is
// configured. spec.md §9 leaves the exact string as an open question and
// asks for it to be configurable; this is the stable default.
const DefaultClientVersion = "stratumline/1.0"

// request is the shape the client emits for every outbound call.
type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// frame is used to sniff an inbound line before deciding whether it is a
// response (has a numeric id, and a result/error key) or a notification
// (has a method key). A line can be decoded into both response and
// notification shapes; isResponse disambiguates.
type frame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	Params json.RawMessage `json:"params"`
}

func (f *frame) isResponse() bool {
	return f.ID != nil && f.Method == "" && (f.Result != nil || f.Error != nil)
}

func (f *frame) isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// encodeLine serializes v and appends the LF frame terminator.
func encodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, wrapErr(KindJSON, "failed to encode frame", err)
	}
	return append(data, '\n'), nil
}

// readLine reads one LF-terminated line from r, trimming the terminator.
// A zero-length read (EOF before any bytes) is reported to the caller as
// io.EOF so retry logic and read_notification can each decide what an
// empty read means for their operation.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return line, err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
