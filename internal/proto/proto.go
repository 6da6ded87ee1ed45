// Package proto implements the framed binary command protocol spoken between
// clients and the server: command codes, reply status codes, and the compact
// varint codec for typed positional arguments. A frame is a fixed header
// followed by a length-prefixed body; the body is a sequence of tagged
// argument values.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// CmdCode identifies one RPC command.
type CmdCode uint16

const (
	CmdPing CmdCode = iota
	CmdLogin
	CmdOpenDatabase
	CmdCloseDatabase
	CmdDropDatabase
	CmdOpenNamespace
	CmdDropNamespace
	CmdCloseNamespace
	CmdEnumNamespaces
	CmdAddIndex
	CmdUpdateIndex
	CmdDropIndex
	CmdCommit
	CmdModifyItem
	CmdDeleteQuery
	CmdSelect
	CmdSelectSQL
	CmdFetchResults
	CmdCloseResults
	CmdGetMeta
	CmdPutMeta
	CmdEnumMeta
	CmdSubscribeUpdates
	CmdEnumDatabases
)

var cmdNames = map[CmdCode]string{
	CmdPing:             "Ping",
	CmdLogin:            "Login",
	CmdOpenDatabase:     "OpenDatabase",
	CmdCloseDatabase:    "CloseDatabase",
	CmdDropDatabase:     "DropDatabase",
	CmdOpenNamespace:    "OpenNamespace",
	CmdDropNamespace:    "DropNamespace",
	CmdCloseNamespace:   "CloseNamespace",
	CmdEnumNamespaces:   "EnumNamespaces",
	CmdAddIndex:         "AddIndex",
	CmdUpdateIndex:      "UpdateIndex",
	CmdDropIndex:        "DropIndex",
	CmdCommit:           "Commit",
	CmdModifyItem:       "ModifyItem",
	CmdDeleteQuery:      "DeleteQuery",
	CmdSelect:           "Select",
	CmdSelectSQL:        "SelectSQL",
	CmdFetchResults:     "FetchResults",
	CmdCloseResults:     "CloseResults",
	CmdGetMeta:          "GetMeta",
	CmdPutMeta:          "PutMeta",
	CmdEnumMeta:         "EnumMeta",
	CmdSubscribeUpdates: "SubscribeUpdates",
	CmdEnumDatabases:    "EnumDatabases",
}

// String returns the command's RPC name, or a numeric form for unknown codes.
func (c CmdCode) String() string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cmd(%d)", uint16(c))
}

// StatusCode is the reply-level outcome carried on every response frame.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusProtocolError
	StatusUnauthorized
	StatusNotFound
	StatusConflict
	StatusEngineError
	StatusResourceExhausted
)

// Error is a protocol-level failure: a status code plus a human message.
// Handlers return these (possibly wrapping collaborator errors); the
// dispatcher serializes them onto the reply frame.
type Error struct {
	Code StatusCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a protocol error with a formatted message.
func NewError(code StatusCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a status code to a collaborator error.
func WrapError(code StatusCode, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// StatusOf extracts the status code from err, defaulting to
// StatusEngineError for plain collaborator failures.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return StatusEngineError
}

// ArgType tags a positional argument value on the wire.
type ArgType uint8

const (
	ArgInt ArgType = iota + 1
	ArgString
	ArgBytes
	ArgBool
)

func (t ArgType) String() string {
	switch t {
	case ArgInt:
		return "int"
	case ArgString:
		return "string"
	case ArgBytes:
		return "bytes"
	case ArgBool:
		return "bool"
	}
	return fmt.Sprintf("argtype(%d)", uint8(t))
}

// Arg is one typed positional argument. Exactly one field besides Type is
// meaningful, selected by Type.
type Arg struct {
	Type  ArgType
	Int   int64
	Str   string
	Bytes []byte
	Bool  bool
}

// Int64Arg wraps an integer argument.
func Int64Arg(v int64) Arg { return Arg{Type: ArgInt, Int: v} }

// StringArg wraps a string argument.
func StringArg(v string) Arg { return Arg{Type: ArgString, Str: v} }

// BytesArg wraps an opaque byte-blob argument.
func BytesArg(v []byte) Arg { return Arg{Type: ArgBytes, Bytes: v} }

// BoolArg wraps a boolean argument.
func BoolArg(v bool) Arg { return Arg{Type: ArgBool, Bool: v} }

// Args is the positional argument vector of a request or reply body.
type Args []Arg

// Signature describes the expected argument shape of a registered command.
// Trailing arguments past len(Signature) are permitted only when Variadic is
// set, to let the protocol grow without breaking older servers.
type Signature struct {
	Types    []ArgType
	Variadic bool
}

// Check validates args against the signature without decoding payloads.
func (s Signature) Check(args Args) error {
	if len(args) < len(s.Types) || (len(args) > len(s.Types) && !s.Variadic) {
		return NewError(StatusProtocolError, "expected %d args, got %d", len(s.Types), len(args))
	}
	for i, t := range s.Types {
		if args[i].Type != t {
			return NewError(StatusProtocolError, "arg %d: expected %s, got %s", i, t, args[i].Type)
		}
	}
	return nil
}

const (
	// frame header: magic(2) version(1) type(1) cmd(2) seq(4) bodyLen(4)
	headerSize = 14

	frameMagic   uint16 = 0x5158 // "QX"
	frameVersion uint8  = 1

	frameTypeRequest uint8 = 0
	frameTypeReply   uint8 = 1
	frameTypeEvent   uint8 = 2

	// MaxBodySize bounds a single frame body. Oversized frames are a
	// protocol error; large result sets page through FetchResults instead.
	MaxBodySize = 64 << 20
)

// ErrBadFrame reports a malformed or oversized frame. Transports treat it as
// connection-fatal.
var ErrBadFrame = errors.New("malformed protocol frame")

// Request is a decoded inbound command frame.
type Request struct {
	Seq  uint32
	Cmd  CmdCode
	Args Args
}

// Reply is a decoded outbound response frame.
type Reply struct {
	Seq    uint32
	Status StatusCode
	ErrMsg string
	Args   Args
}

// AppendArgs serializes the argument vector onto b.
func AppendArgs(b []byte, args Args) ([]byte, error) {
	b = binary.AppendUvarint(b, uint64(len(args)))
	for i, a := range args {
		b = append(b, byte(a.Type))
		switch a.Type {
		case ArgInt:
			b = binary.AppendVarint(b, a.Int)
		case ArgString:
			b = binary.AppendUvarint(b, uint64(len(a.Str)))
			b = append(b, a.Str...)
		case ArgBytes:
			b = binary.AppendUvarint(b, uint64(len(a.Bytes)))
			b = append(b, a.Bytes...)
		case ArgBool:
			if a.Bool {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
		default:
			return nil, fmt.Errorf("arg %d: unknown type %d: %w", i, a.Type, ErrBadFrame)
		}
	}
	return b, nil
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) take(n uint64) ([]byte, error) {
	if n > uint64(len(r.buf)-r.off) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// DecodeArgs parses an argument vector from body. The returned args alias
// body for bytes payloads; callers that retain them must copy.
func DecodeArgs(body []byte) (Args, error) {
	r := &byteReader{buf: body}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("arg count: %w", ErrBadFrame)
	}
	if n > uint64(len(body)) {
		return nil, fmt.Errorf("arg count %d exceeds body: %w", n, ErrBadFrame)
	}
	args := make(Args, 0, n)
	for i := uint64(0); i < n; i++ {
		tb, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("arg %d tag: %w", i, ErrBadFrame)
		}
		a := Arg{Type: ArgType(tb)}
		switch a.Type {
		case ArgInt:
			v, err := binary.ReadVarint(r)
			if err != nil {
				return nil, fmt.Errorf("arg %d int: %w", i, ErrBadFrame)
			}
			a.Int = v
		case ArgString:
			l, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("arg %d len: %w", i, ErrBadFrame)
			}
			s, err := r.take(l)
			if err != nil {
				return nil, fmt.Errorf("arg %d string: %w", i, ErrBadFrame)
			}
			a.Str = string(s)
		case ArgBytes:
			l, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("arg %d len: %w", i, ErrBadFrame)
			}
			p, err := r.take(l)
			if err != nil {
				return nil, fmt.Errorf("arg %d bytes: %w", i, ErrBadFrame)
			}
			a.Bytes = p
		case ArgBool:
			v, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("arg %d bool: %w", i, ErrBadFrame)
			}
			a.Bool = v != 0
		default:
			return nil, fmt.Errorf("arg %d: unknown type %d: %w", i, tb, ErrBadFrame)
		}
		args = append(args, a)
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("trailing %d bytes: %w", len(body)-r.off, ErrBadFrame)
	}
	return args, nil
}

func writeHeader(b []byte, typ uint8, cmd CmdCode, seq uint32, bodyLen int) {
	binary.BigEndian.PutUint16(b[0:2], frameMagic)
	b[2] = frameVersion
	b[3] = typ
	binary.BigEndian.PutUint16(b[4:6], uint16(cmd))
	binary.BigEndian.PutUint32(b[6:10], seq)
	binary.BigEndian.PutUint32(b[10:14], uint32(bodyLen))
}

// WriteRequest encodes and writes one request frame.
func WriteRequest(w io.Writer, req *Request) error {
	body, err := AppendArgs(nil, req.Args)
	if err != nil {
		return err
	}
	return writeFrame(w, frameTypeRequest, req.Cmd, req.Seq, body)
}

// WriteReply encodes and writes one reply frame. The error message rides as
// the first body field so the status path needs no extra allocation on OK.
func WriteReply(w io.Writer, rep *Reply) error {
	body := binary.AppendVarint(nil, int64(rep.Status))
	body = binary.AppendUvarint(body, uint64(len(rep.ErrMsg)))
	body = append(body, rep.ErrMsg...)
	body, err := AppendArgs(body, rep.Args)
	if err != nil {
		return err
	}
	return writeFrame(w, frameTypeReply, 0, rep.Seq, body)
}

func writeFrame(w io.Writer, typ uint8, cmd CmdCode, seq uint32, body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("body %d bytes exceeds limit: %w", len(body), ErrBadFrame)
	}
	frame := make([]byte, headerSize+len(body))
	writeHeader(frame, typ, cmd, seq, len(body))
	copy(frame[headerSize:], body)
	_, err := w.Write(frame)
	return err
}

func readAnyFrame(r io.Reader) (typ uint8, cmd CmdCode, seq uint32, body []byte, err error) {
	var hdr [headerSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, 0, nil, err
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != frameMagic || hdr[2] != frameVersion {
		return 0, 0, 0, nil, fmt.Errorf("bad magic/version: %w", ErrBadFrame)
	}
	typ = hdr[3]
	cmd = CmdCode(binary.BigEndian.Uint16(hdr[4:6]))
	seq = binary.BigEndian.Uint32(hdr[6:10])
	bodyLen := binary.BigEndian.Uint32(hdr[10:14])
	if bodyLen > MaxBodySize {
		return 0, 0, 0, nil, fmt.Errorf("body %d bytes exceeds limit: %w", bodyLen, ErrBadFrame)
	}
	body = make([]byte, bodyLen)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, 0, 0, nil, err
	}
	return typ, cmd, seq, body, nil
}

func readFrame(r io.Reader, wantType uint8) (cmd CmdCode, seq uint32, body []byte, err error) {
	typ, cmd, seq, body, err := readAnyFrame(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if typ != wantType {
		return 0, 0, nil, fmt.Errorf("unexpected frame type %d: %w", typ, ErrBadFrame)
	}
	return cmd, seq, body, nil
}

// WriteEvent writes a server-pushed change-event frame. Events carry no
// sequence number: they are not replies to any command.
func WriteEvent(w io.Writer, args Args) error {
	body, err := AppendArgs(nil, args)
	if err != nil {
		return err
	}
	return writeFrame(w, frameTypeEvent, 0, 0, body)
}

// ReadEvent reads and decodes one change-event frame.
func ReadEvent(r io.Reader) (Args, error) {
	_, _, body, err := readFrame(r, frameTypeEvent)
	if err != nil {
		return nil, err
	}
	return DecodeArgs(body)
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader) (*Request, error) {
	cmd, seq, body, err := readFrame(r, frameTypeRequest)
	if err != nil {
		return nil, err
	}
	args, err := DecodeArgs(body)
	if err != nil {
		return nil, err
	}
	return &Request{Seq: seq, Cmd: cmd, Args: args}, nil
}

// ReadReply reads and decodes one reply frame.
func ReadReply(r io.Reader) (*Reply, error) {
	_, seq, body, err := readFrame(r, frameTypeReply)
	if err != nil {
		return nil, err
	}
	return parseReplyBody(seq, body)
}

// Frame is one decoded inbound frame for consumers that multiplex replies
// and pushed events on a single connection.
type Frame struct {
	IsEvent bool
	Reply   *Reply
	Event   Args
}

// ReadFrame reads the next reply or event frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	typ, _, seq, body, err := readAnyFrame(r)
	if err != nil {
		return nil, err
	}
	switch typ {
	case frameTypeReply:
		rep, err := parseReplyBody(seq, body)
		if err != nil {
			return nil, err
		}
		return &Frame{Reply: rep}, nil
	case frameTypeEvent:
		args, err := DecodeArgs(body)
		if err != nil {
			return nil, err
		}
		return &Frame{IsEvent: true, Event: args}, nil
	}
	return nil, fmt.Errorf("unexpected frame type %d: %w", typ, ErrBadFrame)
}

func parseReplyBody(seq uint32, body []byte) (*Reply, error) {
	br := &byteReader{buf: body}
	status, err := binary.ReadVarint(br)
	if err != nil || status > math.MaxInt32 || status < math.MinInt32 {
		return nil, fmt.Errorf("reply status: %w", ErrBadFrame)
	}
	msgLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("reply message len: %w", ErrBadFrame)
	}
	msg, err := br.take(msgLen)
	if err != nil {
		return nil, fmt.Errorf("reply message: %w", ErrBadFrame)
	}
	args, err := DecodeArgs(body[br.off:])
	if err != nil {
		return nil, err
	}
	return &Reply{Seq: seq, Status: StatusCode(status), ErrMsg: string(msg), Args: args}, nil
}
