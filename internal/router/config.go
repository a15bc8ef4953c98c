// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package router dispatches operations between the transactional
// engine and the analytical one. Writes, DDL and index work always
// land on the transactional side; reads are analyzed and routed by
// their shape.
package router

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("mondo.router")

const (
	// DefaultRowThreshold is the estimated row count above which a
	// read is considered analytical.
	DefaultRowThreshold = 10000
	// DefaultIDInMax is the largest $in list still treated as an
	// identifier lookup.
	DefaultIDInMax = 100
	// largeSampleSize is the $sample size above which the stage
	// suggests the analytical engine.
	largeSampleSize = 1000
)

// DefaultTimestampFields are the field names whose range queries
// suggest time-series access.
func DefaultTimestampFields() set.Strings {
	return set.NewStrings("_cdc_timestamp", "created_at", "updated_at", "timestamp")
}

// heavyStages are the pipeline operators whose presence marks an
// aggregation as analytical.
var heavyStages = set.NewStrings(
	"$group", "$bucket", "$bucketAuto", "$facet",
	"$graphLookup", "$sortByCount", "$densify", "$fill",
)

// Config tunes the routing rules.
type Config struct {
	// RowThreshold is the estimated row count above which reads go
	// analytical. Defaults to DefaultRowThreshold.
	RowThreshold int64
	// TimestampFields are the recognized time-series field names.
	// Defaults to DefaultTimestampFields.
	TimestampFields set.Strings
	// AutoRoute enables analysis-based routing; when false every
	// operation lands on the transactional engine.
	AutoRoute bool
	// PreferOLAPAggregations sends any aggregation with an
	// OLAP-suggesting stage to the analytical engine.
	PreferOLAPAggregations bool
	// IDInMax is the largest $in list still treated as an id lookup.
	// Defaults to DefaultIDInMax.
	IDInMax int
}

func (c Config) withDefaults() Config {
	if c.RowThreshold <= 0 {
		c.RowThreshold = DefaultRowThreshold
	}
	if c.TimestampFields == nil {
		c.TimestampFields = DefaultTimestampFields()
	}
	if c.IDInMax <= 0 {
		c.IDInMax = DefaultIDInMax
	}
	return c
}

// Validate is part of the usual config contract.
func (c Config) Validate() error {
	if c.RowThreshold < 0 {
		return errors.NotValidf("negative RowThreshold")
	}
	if c.IDInMax < 0 {
		return errors.NotValidf("negative IDInMax")
	}
	return nil
}
