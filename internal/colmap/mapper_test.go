// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package colmap_test

import (
	"math"
	"time"

	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/internal/colmap"
)

type mapperSuite struct{}

var _ = gc.Suite(&mapperSuite{})

func (s *mapperSuite) convert(c *gc.C, opts colmap.Options, typ string, value interface{}) interface{} {
	m := colmap.NewMapper(opts)
	doc := m.ToDocument(map[string]interface{}{"v": value}, []colmap.Column{{Name: "v", Type: typ}})
	c.Assert(doc, gc.HasLen, 1)
	return doc[0].Value
}

func (s *mapperSuite) TestIntegers(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{}, "Int64", float64(42)), gc.Equals, int64(42))
	c.Check(s.convert(c, colmap.Options{}, "UInt32", "123"), gc.Equals, int64(123))
	c.Check(s.convert(c, colmap.Options{}, "Int8", -5), gc.Equals, int64(-5))
}

func (s *mapperSuite) TestFloats(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{}, "Float64", "2.5"), gc.Equals, 2.5)
	v := s.convert(c, colmap.Options{}, "Float32", "not a number")
	f, ok := v.(float64)
	c.Assert(ok, jc.IsTrue)
	c.Check(math.IsNaN(f), jc.IsTrue)
}

func (s *mapperSuite) TestBool(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{}, "Bool", 1), gc.Equals, true)
	c.Check(s.convert(c, colmap.Options{}, "Bool", 0), gc.Equals, false)
	c.Check(s.convert(c, colmap.Options{}, "Bool", "TRUE"), gc.Equals, true)
	c.Check(s.convert(c, colmap.Options{}, "Bool", "false"), gc.Equals, false)
}

func (s *mapperSuite) TestUInt8AsBool(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{TreatUInt8AsBool: true}, "UInt8", 1), gc.Equals, true)
	c.Check(s.convert(c, colmap.Options{}, "UInt8", 1), gc.Equals, int64(1))
}

func (s *mapperSuite) TestDates(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{}, "Date", "2024-01-15"),
		gc.Equals, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))

	c.Check(s.convert(c, colmap.Options{}, "DateTime", "2024-01-15 10:30:45"),
		gc.Equals, time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC))

	// Unix seconds are accepted for DateTime columns.
	c.Check(s.convert(c, colmap.Options{}, "DateTime", float64(1705314645)),
		gc.Equals, time.Unix(1705314645, 0).UTC())
}

func (s *mapperSuite) TestDateTime64KeepsMilliseconds(c *gc.C) {
	v := s.convert(c, colmap.Options{}, "DateTime64(3)", "2024-01-15 10:30:45.123")
	c.Check(v, gc.Equals, time.Date(2024, 1, 15, 10, 30, 45, 123*int(time.Millisecond), time.UTC))

	// Sub-millisecond input truncates.
	v = s.convert(c, colmap.Options{}, "DateTime64(6)", "2024-01-15 10:30:45.123456")
	c.Check(v, gc.Equals, time.Date(2024, 1, 15, 10, 30, 45, 123*int(time.Millisecond), time.UTC))
}

func (s *mapperSuite) TestUUID(c *gc.C) {
	v := s.convert(c, colmap.Options{}, "UUID", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	bin, ok := v.(bson.Binary)
	c.Assert(ok, jc.IsTrue)
	c.Check(bin.Kind, gc.Equals, byte(0x04))
	c.Check(bin.Data, gc.HasLen, 16)
}

func (s *mapperSuite) TestDecimal(c *gc.C) {
	v := s.convert(c, colmap.Options{}, "Decimal(38, 10)", "12345.6789")
	dec, ok := v.(bson.Decimal128)
	c.Assert(ok, jc.IsTrue)
	c.Check(dec.String(), gc.Equals, "12345.6789")
}

func (s *mapperSuite) TestEnum(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{}, "Enum8('a' = 1, 'b' = 2)", "a"), gc.Equals, "a")
}

func (s *mapperSuite) TestStringObjectIDLift(c *gc.C) {
	opts := colmap.Options{PreserveObjectID: true}
	v := s.convert(c, opts, "String", "507f1f77bcf86cd799439011")
	c.Check(v, gc.Equals, bson.ObjectIdHex("507f1f77bcf86cd799439011"))

	// Without the option the hex stays a string.
	v = s.convert(c, colmap.Options{}, "String", "507f1f77bcf86cd799439011")
	c.Check(v, gc.Equals, "507f1f77bcf86cd799439011")
}

func (s *mapperSuite) TestStringBinaryLift(c *gc.C) {
	opts := colmap.Options{PreserveBinary: true}
	v := s.convert(c, opts, "String", "aGVsbG8gd29ybGQh")
	bin, ok := v.(bson.Binary)
	c.Assert(ok, jc.IsTrue)
	c.Check(string(bin.Data), gc.Equals, "hello world!")

	// Binary lifting is strictly opt-in.
	v = s.convert(c, colmap.Options{}, "String", "aGVsbG8gd29ybGQh")
	c.Check(v, gc.Equals, "aGVsbG8gd29ybGQh")
}

func (s *mapperSuite) TestStringJSONLift(c *gc.C) {
	opts := colmap.Options{PreserveObjectID: true}
	v := s.convert(c, opts, "String", `{"ref": "507f1f77bcf86cd799439011", "n": 1}`)
	doc, ok := v.(bson.D)
	c.Assert(ok, jc.IsTrue)
	c.Check(doc, gc.DeepEquals, bson.D{
		{"n", float64(1)},
		{"ref", bson.ObjectIdHex("507f1f77bcf86cd799439011")},
	})
}

func (s *mapperSuite) TestNullableAndArray(c *gc.C) {
	c.Check(s.convert(c, colmap.Options{}, "Nullable(Int64)", nil), gc.IsNil)
	c.Check(s.convert(c, colmap.Options{}, "LowCardinality(String)", "x"), gc.Equals, "x")

	v := s.convert(c, colmap.Options{}, "Array(String)", []interface{}{"a", "b"})
	c.Check(v, gc.DeepEquals, []interface{}{"a", "b"})

	v = s.convert(c, colmap.Options{}, "Array(Int64)", []interface{}{"1", "2"})
	c.Check(v, gc.DeepEquals, []interface{}{int64(1), int64(2)})
}

func (s *mapperSuite) TestTimestampColumns(c *gc.C) {
	opts := colmap.Options{TreatTimestampAsDate: true}
	m := colmap.NewMapper(opts)
	doc := m.ToDocument(
		map[string]interface{}{"created_at": float64(1705314645)},
		[]colmap.Column{{Name: "created_at", Type: "UInt64"}},
	)
	c.Check(doc[0].Value, gc.Equals, time.Unix(1705314645, 0).UTC())
}

func (s *mapperSuite) TestRenamesIncludeExclude(c *gc.C) {
	m := colmap.NewMapper(colmap.Options{
		Renames: map[string]string{"uid": "user_id"},
		Exclude: []string{"secret"},
	})
	doc := m.ToDocument(
		map[string]interface{}{"uid": "u1", "secret": "x", "n": float64(1)},
		[]colmap.Column{
			{Name: "uid", Type: "String"},
			{Name: "secret", Type: "String"},
			{Name: "n", Type: "Int32"},
		},
	)
	c.Check(doc, gc.DeepEquals, bson.D{{"user_id", "u1"}, {"n", int64(1)}})
}

func (s *mapperSuite) TestFieldMappers(c *gc.C) {
	m := colmap.NewMapper(colmap.Options{
		FieldMappers: map[string]func(interface{}) interface{}{
			"v": func(v interface{}) interface{} { return "mapped" },
		},
	})
	doc := m.ToDocument(map[string]interface{}{"v": 1}, []colmap.Column{{Name: "v", Type: "Int64"}})
	c.Check(doc[0].Value, gc.Equals, "mapped")
}

// A DateTime64 column, an object-id column and a string array, mapped
// in one call.
func (s *mapperSuite) TestRowScenario(c *gc.C) {
	m := colmap.NewMapper(colmap.Options{PreserveObjectID: true})
	doc := m.ToDocument(
		map[string]interface{}{
			"created": "2024-01-15 10:30:45.123",
			"id":      "507f1f77bcf86cd799439011",
			"tags":    []interface{}{"a", "b"},
		},
		[]colmap.Column{
			{Name: "created", Type: "DateTime64(3)"},
			{Name: "id", Type: "String"},
			{Name: "tags", Type: "Array(String)"},
		},
	)
	c.Assert(doc, gc.HasLen, 3)
	created := doc[0].Value.(time.Time)
	c.Check(created.Nanosecond()/int(time.Millisecond), gc.Equals, 123)
	c.Check(doc[1].Value, gc.Equals, bson.ObjectIdHex("507f1f77bcf86cd799439011"))
	c.Check(doc[2].Value, gc.DeepEquals, []interface{}{"a", "b"})
}

func (s *mapperSuite) TestRoundTrip(c *gc.C) {
	m := colmap.NewMapper(colmap.Options{PreserveObjectID: true})
	original := bson.D{
		{"id", bson.ObjectIdHex("507f1f77bcf86cd799439011")},
		{"when", time.Date(2024, 1, 15, 10, 30, 45, 123*int(time.Millisecond), time.UTC)},
		{"tags", []interface{}{"a", "b"}},
	}
	row := m.ToRow(original)
	c.Check(row["id"], gc.Equals, "507f1f77bcf86cd799439011")
	c.Check(row["when"], gc.Equals, "2024-01-15T10:30:45.123Z")

	back := m.ToDocument(row, []colmap.Column{
		{Name: "id", Type: "String"},
		{Name: "when", Type: "DateTime64(3)"},
		{Name: "tags", Type: "Array(String)"},
	})
	c.Check(back, gc.DeepEquals, original)
}
