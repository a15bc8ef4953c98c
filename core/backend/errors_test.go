// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend_test

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/core/backend"
)

type errorsSuite struct{}

var _ = gc.Suite(&errorsSuite{})

func (s *errorsSuite) TestWireCodes(c *gc.C) {
	c.Check(backend.WireCode(nil), gc.Equals, 0)
	c.Check(backend.WireCode(errors.NotValidf("name")), gc.Equals, backend.CodeBadValue)
	c.Check(backend.WireCode(errors.NotFoundf("db.coll")), gc.Equals, backend.CodeNamespaceNotFound)
	c.Check(backend.WireCode(errors.AlreadyExistsf("_id")), gc.Equals, backend.CodeDuplicateKey)
	c.Check(backend.WireCode(errors.Unauthorizedf("no")), gc.Equals, backend.CodeUnauthorized)
	c.Check(backend.WireCode(errors.New("boom")), gc.Equals, backend.CodeInternalError)
}

func (s *errorsSuite) TestWireCodeSurvivesTrace(c *gc.C) {
	err := errors.Trace(errors.NotValidf("name"))
	c.Check(backend.WireCode(err), gc.Equals, backend.CodeBadValue)
}

func (s *errorsSuite) TestWireErrorKeepsRemoteCode(c *gc.C) {
	err := errors.Trace(&backend.WireError{Message: "dup", Code: 11000, Name: "DuplicateKey"})
	c.Check(backend.WireCode(err), gc.Equals, 11000)
	c.Check(err.Error(), gc.Matches, ".*dup \\(DuplicateKey\\)")
}

func (s *errorsSuite) TestCursorNotFound(c *gc.C) {
	err := backend.NewCursorNotFound(42)
	c.Check(backend.WireCode(err), gc.Equals, backend.CodeCursorNotFound)
	c.Check(err, gc.ErrorMatches, "cursor id 42 not found \\(CursorNotFound\\)")
}

type indexSuite struct{}

var _ = gc.Suite(&indexSuite{})

func (s *indexSuite) TestEffectiveName(c *gc.C) {
	spec := backend.IndexSpec{Keys: bson.D{{"a", 1}, {"b", -1}}}
	c.Check(spec.EffectiveName(), gc.Equals, "a_1_b_-1")

	spec = backend.IndexSpec{Keys: bson.D{{"loc", "2dsphere"}}}
	c.Check(spec.EffectiveName(), gc.Equals, "loc_2dsphere")

	spec = backend.IndexSpec{Name: "custom", Keys: bson.D{{"a", 1}}}
	c.Check(spec.EffectiveName(), gc.Equals, "custom")
}

func (s *indexSuite) TestIsIDIndex(c *gc.C) {
	c.Check(backend.IndexSpec{Keys: bson.D{{"_id", 1}}}.IsIDIndex(), gc.Equals, true)
	c.Check(backend.IndexSpec{Keys: bson.D{{"a", 1}}}.IsIDIndex(), gc.Equals, false)
}
