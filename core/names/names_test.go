// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package names_test

import (
	"strings"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/core/names"
)

type namesSuite struct{}

var _ = gc.Suite(&namesSuite{})

func (s *namesSuite) TestValidDatabaseNames(c *gc.C) {
	for _, name := range []string{
		"mydb",
		"my_db-1",
		"DB2",
		"_private",
		strings.Repeat("a", 255),
	} {
		c.Check(names.ValidateDatabaseName(name), jc.ErrorIsNil, gc.Commentf("name %q", name))
	}
}

func (s *namesSuite) TestHostileDatabaseNames(c *gc.C) {
	for _, name := range []string{
		"",
		"..",
		"../etc/passwd",
		"a/b",
		`a\b`,
		"a\x00b",
		".hidden",
		"has space",
		"semi;colon",
		strings.Repeat("a", 256),
	} {
		err := names.ValidateDatabaseName(name)
		c.Check(err, jc.Satisfies, errors.IsNotValid, gc.Commentf("name %q", name))
	}
}

func (s *namesSuite) TestValidCollectionNames(c *gc.C) {
	for _, name := range []string{
		"users",
		"_tmp",
		"events.archive",
		"a-b.c_d",
		"system.users",
		"system.indexes",
		"system.namespaces",
	} {
		c.Check(names.ValidateCollectionName(name), jc.ErrorIsNil, gc.Commentf("name %q", name))
	}
}

func (s *namesSuite) TestHostileCollectionNames(c *gc.C) {
	for _, name := range []string{
		"",
		"system.foo",
		"system.profile",
		"1numeric",
		".leading",
		"a\x00b",
		"$cmd",
		strings.Repeat("a", 256),
	} {
		err := names.ValidateCollectionName(name)
		c.Check(err, jc.Satisfies, errors.IsNotValid, gc.Commentf("name %q", name))
	}
}

func (s *namesSuite) TestFieldPaths(c *gc.C) {
	for _, path := range []string{"a", "a.b", "a.b.c", "_id", "f_1.g2"} {
		c.Check(names.ValidateFieldPath(path), jc.ErrorIsNil, gc.Commentf("path %q", path))
	}
	for _, path := range []string{
		"",
		".a",
		"a.",
		"a..b",
		"a'b",
		"a b",
		`a";drop table documents;--`,
	} {
		err := names.ValidateFieldPath(path)
		c.Check(err, jc.Satisfies, errors.IsNotValid, gc.Commentf("path %q", path))
	}
}

func (s *namesSuite) TestJSONPath(c *gc.C) {
	c.Assert(names.JSONPath("a.b"), gc.Equals, "$.a.b")
	c.Assert(names.JSONPath("tags"), gc.Equals, "$.tags")
}
