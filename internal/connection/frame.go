package connection

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// STOMP commands used by the client.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Frame errors
var (
	ErrHeartbeat    = errors.New("heart-beat frame")
	ErrMalformed    = errors.New("malformed frame")
	ErrUnterminated = errors.New("frame missing NUL terminator")
)

// Frame is a single STOMP 1.2 frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header key/value pairs.
func NewFrame(command string, kv ...string) Frame {
	f := Frame{Command: command, Headers: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

// Header returns a header value, or "" when absent.
func (f Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// Destination is the topic a MESSAGE was published to.
func (f Frame) Destination() string {
	return f.Header("destination")
}

// Marshal encodes the frame. Headers are written in sorted order; a
// content-length header is added when the frame has a body.
func (f Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	// CONNECT and CONNECTED headers are never escaped.
	escape := f.Command != CmdConnect && f.Command != CmdConnected

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == "content-length" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := f.Headers[k]
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ParseFrame decodes one frame from a websocket message. A message holding
// only end-of-line bytes is a heart-beat and returns ErrHeartbeat.
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, ErrHeartbeat
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return Frame{}, fmt.Errorf("%w: no command line", ErrMalformed)
	}
	f := Frame{Command: line, Headers: make(map[string]string)}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	unescape := f.Command != CmdConnect && f.Command != CmdConnected

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return Frame{}, fmt.Errorf("%w: headers not terminated", ErrMalformed)
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		if unescape {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return Frame{}, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return Frame{}, err
			}
		}
		// Repeated headers: the first occurrence wins.
		if _, dup := f.Headers[k]; !dup {
			f.Headers[k] = v
		}
	}

	if cl, ok := f.Headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return Frame{}, fmt.Errorf("%w: content-length %q", ErrMalformed, cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return Frame{}, ErrUnterminated
		}
		f.Body = rest[:n]
		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return Frame{}, ErrUnterminated
	}
	f.Body = rest[:end]
	return f, nil
}

// cutLine splits off one line, accepting LF or CRLF endings.
func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), data[i+1:], true
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformed)
		}
		i++
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}
