// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// MongoDB wire protocol opcodes.
const (
	opReply = 1
	opQuery = 2004
	opMsg   = 2013
)

const (
	headerSize = 16

	// DefaultMaxMessageSize matches the server-side limit MongoDB
	// advertises in its handshake.
	DefaultMaxMessageSize = 48 * 1000 * 1000

	flagChecksumPresent = 1 << 0
	flagMoreToCome      = 1 << 1
)

type message struct {
	requestID int32
	opCode    int32
	body      []byte
}

// request is a parsed client command. legacy marks OP_QUERY requests,
// which must be answered with OP_REPLY rather than OP_MSG.
type request struct {
	requestID int32
	command   bson.D
	legacy    bool
	// moreToCome means the client does not expect a reply.
	moreToCome bool
}

// readMessage reads one framed message. A clean EOF before the header
// passes through untouched so connection loops can tell shutdown from
// corruption.
func readMessage(r io.Reader, maxSize int32) (*message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Annotate(err, "reading message header")
	}
	length := int32(binary.LittleEndian.Uint32(header[0:4]))
	if length < headerSize || length > maxSize {
		return nil, errors.NotValidf("message length %d", length)
	}
	msg := &message{
		requestID: int32(binary.LittleEndian.Uint32(header[4:8])),
		opCode:    int32(binary.LittleEndian.Uint32(header[12:16])),
	}
	msg.body = make([]byte, length-headerSize)
	if _, err := io.ReadFull(r, msg.body); err != nil {
		return nil, errors.Annotate(err, "reading message body")
	}
	return msg, nil
}

func parseRequest(msg *message) (*request, error) {
	switch msg.opCode {
	case opMsg:
		return parseOpMsg(msg)
	case opQuery:
		return parseOpQuery(msg)
	}
	return nil, errors.NotSupportedf("opcode %d", msg.opCode)
}

// parseOpMsg decodes an OP_MSG body: a kind 0 section holding the
// command, plus any kind 1 document sequences, which fold back into
// the command document as array fields.
func parseOpMsg(msg *message) (*request, error) {
	body := msg.body
	if len(body) < 4 {
		return nil, errors.NotValidf("truncated OP_MSG")
	}
	flags := binary.LittleEndian.Uint32(body[:4])
	rest := body[4:]
	if flags&flagChecksumPresent != 0 {
		if len(rest) < 4 {
			return nil, errors.NotValidf("truncated OP_MSG checksum")
		}
		// The CRC is not verified.
		rest = rest[:len(rest)-4]
	}

	req := &request{
		requestID:  msg.requestID,
		moreToCome: flags&flagMoreToCome != 0,
	}
	var haveBody bool
	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case 0:
			if haveBody {
				return nil, errors.NotValidf("multiple OP_MSG body sections")
			}
			doc, n, err := readDocument(rest)
			if err != nil {
				return nil, errors.Trace(err)
			}
			req.command = doc
			rest = rest[n:]
			haveBody = true
		case 1:
			identifier, docs, n, err := readSequence(rest)
			if err != nil {
				return nil, errors.Trace(err)
			}
			rest = rest[n:]
			req.command = append(req.command, bson.DocElem{Name: identifier, Value: docs})
		default:
			return nil, errors.NotValidf("OP_MSG section kind %d", kind)
		}
	}
	if !haveBody {
		return nil, errors.NotValidf("OP_MSG without body section")
	}
	return req, nil
}

// parseOpQuery decodes a legacy OP_QUERY against the db.$cmd
// namespace, which old drivers still use for the initial handshake.
func parseOpQuery(msg *message) (*request, error) {
	body := msg.body
	if len(body) < 4 {
		return nil, errors.NotValidf("truncated OP_QUERY")
	}
	namespace, n, err := readCString(body[4:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	rest := body[4+n:]
	if len(rest) < 8 {
		return nil, errors.NotValidf("truncated OP_QUERY")
	}
	// numberToSkip and numberToReturn are ignored; commands carry
	// their own limits.
	rest = rest[8:]
	doc, _, err := readDocument(rest)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if inner, ok := queryWrapper(doc); ok {
		doc = inner
	}
	db, ok := commandNamespace(namespace)
	if !ok {
		return nil, errors.NotSupportedf("OP_QUERY against %q", namespace)
	}
	doc = append(doc, bson.DocElem{Name: "$db", Value: db})
	return &request{requestID: msg.requestID, command: doc, legacy: true}, nil
}

// queryWrapper unwraps the {"$query": {...}} form some drivers send.
func queryWrapper(doc bson.D) (bson.D, bool) {
	for _, elem := range doc {
		if elem.Name == "$query" {
			if inner, ok := elem.Value.(bson.D); ok {
				return inner, true
			}
		}
	}
	return nil, false
}

// commandNamespace extracts the database from a "db.$cmd" namespace.
func commandNamespace(namespace string) (string, bool) {
	const suffix = ".$cmd"
	if len(namespace) <= len(suffix) {
		return "", false
	}
	if namespace[len(namespace)-len(suffix):] != suffix {
		return "", false
	}
	return namespace[:len(namespace)-len(suffix)], true
}

// readDocument decodes one BSON document from the head of b and
// reports how many bytes it occupied.
func readDocument(b []byte) (bson.D, int, error) {
	if len(b) < 4 {
		return nil, 0, errors.NotValidf("truncated document")
	}
	size := int(int32(binary.LittleEndian.Uint32(b[:4])))
	if size < 5 || size > len(b) {
		return nil, 0, errors.NotValidf("document length %d", size)
	}
	var doc bson.D
	if err := bson.Unmarshal(b[:size], &doc); err != nil {
		return nil, 0, errors.Annotate(err, "decoding document")
	}
	return doc, size, nil
}

// readSequence decodes a kind 1 document sequence: a size, a cstring
// identifier, then documents back to back until the size is consumed.
func readSequence(b []byte) (string, []interface{}, int, error) {
	if len(b) < 4 {
		return "", nil, 0, errors.NotValidf("truncated document sequence")
	}
	size := int(int32(binary.LittleEndian.Uint32(b[:4])))
	if size < 5 || size > len(b) {
		return "", nil, 0, errors.NotValidf("document sequence length %d", size)
	}
	identifier, n, err := readCString(b[4:size])
	if err != nil {
		return "", nil, 0, errors.Trace(err)
	}
	var docs []interface{}
	rest := b[4+n : size]
	for len(rest) > 0 {
		doc, used, err := readDocument(rest)
		if err != nil {
			return "", nil, 0, errors.Trace(err)
		}
		docs = append(docs, doc)
		rest = rest[used:]
	}
	return identifier, docs, size, nil
}

func readCString(b []byte) (string, int, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", 0, errors.NotValidf("unterminated cstring")
	}
	return string(b[:i]), i + 1, nil
}

// encodeReply frames a reply document for the given request:
// OP_MSG requests get an OP_MSG back, OP_QUERY an OP_REPLY.
func encodeReply(req *request, responseID int32, reply bson.D) ([]byte, error) {
	payload, err := bson.Marshal(reply)
	if err != nil {
		return nil, errors.Annotate(err, "encoding reply")
	}
	var buf bytes.Buffer
	if req.legacy {
		writeHeader(&buf, headerSize+20+len(payload), responseID, req.requestID, opReply)
		writeInt32(&buf, 8) // AwaitCapable
		writeInt64(&buf, 0) // cursorID
		writeInt32(&buf, 0) // startingFrom
		writeInt32(&buf, 1) // numberReturned
	} else {
		writeHeader(&buf, headerSize+5+len(payload), responseID, req.requestID, opMsg)
		writeInt32(&buf, 0) // flagBits
		buf.WriteByte(0)    // section kind
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, length int, requestID, responseTo int32, opCode int32) {
	writeInt32(buf, int32(length))
	writeInt32(buf, requestID)
	writeInt32(buf, responseTo)
	writeInt32(buf, opCode)
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
