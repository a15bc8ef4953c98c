// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"net"

	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/internal/sqlbackend"
)

type serverSuite struct {
	testing.IsolationSuite
	server *Server
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	b, err := sqlbackend.New(sqlbackend.Config{DataDir: c.MkDir()})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { c.Check(b.Close(), jc.ErrorIsNil) })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	s.server, err = NewServer(Config{Listener: listener, Backend: b})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		s.server.Kill()
		c.Check(s.server.Wait(), jc.ErrorIsNil)
	})
}

func (s *serverSuite) dial(c *gc.C) net.Conn {
	conn, err := net.Dial("tcp", s.server.Addr().String())
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { conn.Close() })
	return conn
}

// roundTrip sends one OP_MSG command and decodes the reply document.
func (s *serverSuite) roundTrip(c *gc.C, conn net.Conn, cmd bson.D) bson.D {
	_, err := conn.Write(frame(c, 1, opMsg, opMsgBody(c, 0, cmd)))
	c.Assert(err, jc.ErrorIsNil)

	msg, err := readMessage(conn, DefaultMaxMessageSize)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msg.opCode, gc.Equals, int32(opMsg))

	var reply bson.D
	err = bson.Unmarshal(msg.body[5:], &reply)
	c.Assert(err, jc.ErrorIsNil)
	return reply
}

func (s *serverSuite) TestHandshakeAndPing(c *gc.C) {
	conn := s.dial(c)

	reply := s.roundTrip(c, conn, bson.D{{"hello", 1}, {"$db", "admin"}})
	writable, ok := get(reply, "isWritablePrimary")
	c.Assert(ok, jc.IsTrue)
	c.Check(writable, gc.Equals, true)

	reply = s.roundTrip(c, conn, bson.D{{"ping", 1}, {"$db", "admin"}})
	ok2, _ := get(reply, "ok")
	c.Check(ok2, gc.Equals, 1)
}

func (s *serverSuite) TestInsertThenFindAcrossConnections(c *gc.C) {
	conn := s.dial(c)
	reply := s.roundTrip(c, conn, bson.D{
		{"insert", "things"},
		{"documents", []interface{}{bson.D{{"_id", "a"}, {"n", 1}}}},
		{"$db", "app"},
	})
	n, _ := get(reply, "n")
	c.Check(n, gc.Equals, int64(1))

	other := s.dial(c)
	reply = s.roundTrip(c, other, bson.D{
		{"find", "things"},
		{"$db", "app"},
	})
	docs := cursorBatch(c, reply, "firstBatch")
	c.Assert(docs, gc.HasLen, 1)
}

func (s *serverSuite) TestLegacyHandshake(c *gc.C) {
	conn := s.dial(c)

	query, err := bson.Marshal(bson.D{{"isMaster", 1}})
	c.Assert(err, jc.ErrorIsNil)
	var body []byte
	body = append(body, 0, 0, 0, 0)
	body = append(body, []byte("admin.$cmd\x00")...)
	body = append(body, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff)
	body = append(body, query...)

	_, err = conn.Write(frame(c, 11, opQuery, body))
	c.Assert(err, jc.ErrorIsNil)

	msg, err := readMessage(conn, DefaultMaxMessageSize)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(msg.opCode, gc.Equals, int32(opReply))

	var reply bson.D
	err = bson.Unmarshal(msg.body[20:], &reply)
	c.Assert(err, jc.ErrorIsNil)
	legacy, ok := get(reply, "ismaster")
	c.Assert(ok, jc.IsTrue)
	c.Check(legacy, gc.Equals, true)
}

func (s *serverSuite) TestMalformedFrameDropsConnection(c *gc.C) {
	conn := s.dial(c)

	var header [headerSize]byte
	header[0] = 4 // length below the header size
	_, err := conn.Write(header[:])
	c.Assert(err, jc.ErrorIsNil)

	// The server hangs up rather than answering garbage.
	_, err = readMessage(conn, DefaultMaxMessageSize)
	c.Check(err, gc.NotNil)
}

func (s *serverSuite) TestShutdownClosesConnections(c *gc.C) {
	conn := s.dial(c)

	s.server.Kill()
	c.Check(s.server.Wait(), jc.ErrorIsNil)

	_, err := readMessage(conn, DefaultMaxMessageSize)
	c.Check(err, gc.NotNil)
}
