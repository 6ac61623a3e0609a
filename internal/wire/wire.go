// Package wire speaks the line-oriented command channel described in
// spec.md section 6: "<tag> <verb> <args...>" requests, "* <payload>"
// continuation lines, "{length}\n"-prefixed literal blocks, and a
// terminating "<tag> OK|NO|BAD <text>" response. The rest of the module
// treats a Channel as an opaque tag/response-type/payload abstraction; only
// this package knows the byte-level framing.
package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pimkit/pimsync/internal/pimerr"
)

// ResponseStatus is the terminal status token of a command response.
type ResponseStatus int

const (
	StatusOK ResponseStatus = iota
	StatusNO
	StatusBad
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNO:
		return "NO"
	default:
		return "BAD"
	}
}

// Response is the result of a Call: zero or more continuation payloads
// followed by a terminal status and human-readable text.
type Response struct {
	Payloads []string
	Status   ResponseStatus
	Text     string
}

// Channel is the core's view of the command connection: issue a tagged
// command and get back a Response, or open a standing subscription that
// yields raw continuation payloads until the caller stops reading or the
// transport fails. Payload grammar (SOURCE/DESTINATION/... tokens, batch
// headers, the id=-1 terminator) is notifysource's concern, not wire's.
type Channel interface {
	Call(ctx context.Context, verb string, args ...string) (*Response, error)
	Subscribe(ctx context.Context, clientID string) (<-chan string, error)
	Close() error
}

// LineChannel implements Channel over any io.ReadWriteCloser (typically a
// net.Conn), framing requests and responses exactly as spec.md section 6
// describes.
type LineChannel struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader

	callMu  sync.Mutex // serializes whole Call round trips
	writeMu sync.Mutex
	tagSeq  uint64
}

// NewLineChannel wraps rw in the framing described in spec.md section 6.
func NewLineChannel(rw io.ReadWriteCloser) *LineChannel {
	return &LineChannel{
		rw:     rw,
		reader: bufio.NewReaderSize(rw, 64*1024),
	}
}

func (c *LineChannel) nextTag() string {
	n := atomic.AddUint64(&c.tagSeq, 1)
	return fmt.Sprintf("T%d", n)
}

// Call issues a single request/response round trip. It is safe for
// concurrent use; requests are serialized on the write side, but this
// simple implementation does not pipeline: Call blocks until its own
// response arrives.
func (c *LineChannel) Call(ctx context.Context, verb string, args ...string) (*Response, error) {
	tag := c.nextTag()

	c.callMu.Lock()
	defer c.callMu.Unlock()

	line := tag + " " + verb
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	c.writeMu.Lock()
	_, err := io.WriteString(c.rw, line+"\n")
	c.writeMu.Unlock()
	if err != nil {
		return nil, pimerr.Wrap(pimerr.KindTransportFailure, "writing command", err)
	}

	resp := &Response{}
	for {
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, pimerr.Wrap(pimerr.KindTransportFailure, "reading response", err)
		}
		raw = strings.TrimRight(raw, "\r\n")

		switch {
		case strings.HasPrefix(raw, "* "):
			payload := raw[2:]
			if lit, ok, err := c.readLiteralIfAny(payload); err != nil {
				return nil, err
			} else if ok {
				payload = lit
			}
			resp.Payloads = append(resp.Payloads, payload)
		case strings.HasPrefix(raw, tag+" "):
			rest := strings.TrimPrefix(raw, tag+" ")
			status, text, err := parseTerminal(rest)
			if err != nil {
				return nil, pimerr.Wrap(pimerr.KindProtocolError, "parsing terminal response", err)
			}
			resp.Status = status
			resp.Text = text
			return resp, nil
		default:
			// Unexpected token on a line we didn't ask for: a stray
			// notification interleaved with our response, or noise.
			// spec.md section 7 says drop the offending line, not the
			// channel.
			continue
		}
	}
}

// readLiteralIfAny checks whether payload is actually a "{length}" literal
// announcement; if so it signals readiness with "+" and reads exactly
// length bytes as the real payload.
func (c *LineChannel) readLiteralIfAny(payload string) (string, bool, error) {
	if !strings.HasPrefix(payload, "{") || !strings.HasSuffix(payload, "}") {
		return "", false, nil
	}
	n, err := strconv.Atoi(payload[1 : len(payload)-1])
	if err != nil {
		return "", false, pimerr.Wrap(pimerr.KindProtocolError, "bad literal length", err)
	}

	c.writeMu.Lock()
	_, werr := io.WriteString(c.rw, "+\n")
	c.writeMu.Unlock()
	if werr != nil {
		return "", false, pimerr.Wrap(pimerr.KindTransportFailure, "acking literal", werr)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return "", false, pimerr.Wrap(pimerr.KindProtocolError, "reading literal body", err)
	}
	// consume the trailing newline the server appends after the literal
	if _, err := c.reader.ReadString('\n'); err != nil {
		return "", false, pimerr.Wrap(pimerr.KindTransportFailure, "reading literal terminator", err)
	}
	return string(buf), true, nil
}

func parseTerminal(rest string) (ResponseStatus, string, error) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) == 0 {
		return StatusBad, "", fmt.Errorf("empty terminal response")
	}
	var text string
	if len(parts) == 2 {
		text = parts[1]
	}
	switch parts[0] {
	case "OK":
		return StatusOK, text, nil
	case "NO":
		return StatusNO, text, nil
	case "BAD":
		return StatusBad, text, nil
	default:
		return StatusBad, "", fmt.Errorf("unknown status token %q", parts[0])
	}
}

// Subscribe issues SUBSCRIBE and then reads continuation lines forever,
// delivering each literal-substituted payload on the returned channel. The
// channel is closed when the transport fails or ctx is canceled; callers
// (notifysource) are responsible for reconnecting and re-issuing Subscribe.
func (c *LineChannel) Subscribe(ctx context.Context, clientID string) (<-chan string, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if _, err := c.Call(ctx, "SUBSCRIBE", clientID); err != nil {
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			raw, err := c.reader.ReadString('\n')
			if err != nil {
				return
			}
			raw = strings.TrimRight(raw, "\r\n")
			if !strings.HasPrefix(raw, "* ") {
				continue
			}
			payload := raw[2:]
			if lit, ok, err := c.readLiteralIfAny(payload); err == nil && ok {
				payload = lit
			} else if err != nil {
				continue
			}

			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the underlying transport.
func (c *LineChannel) Close() error { return c.rw.Close() }
