// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package router

import (
	"strings"

	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
)

// AnalyzeFind derives the characteristics the find routing rules need
// from a filter and an explicit limit.
func (r *Router) AnalyzeFind(filter bson.D, limit int64) backend.QueryCharacteristics {
	chars := backend.QueryCharacteristics{
		HasIDLookup:      r.hasIDLookup(filter),
		IsTimeRangeQuery: r.isTimeRange(filter),
	}
	chars.EstimatedRows = r.estimateRows(chars.HasIDLookup, limit, len(filter) > 0)
	return chars
}

// AnalyzePipeline walks an aggregation pipeline stage by stage.
func (r *Router) AnalyzePipeline(stages []bson.D) backend.QueryCharacteristics {
	var (
		chars         backend.QueryCharacteristics
		smallestLimit int64
		hasFilter     bool
	)
	for _, stage := range stages {
		if len(stage) != 1 {
			continue
		}
		op, config := stage[0].Name, stage[0].Value
		switch {
		case heavyStages.Contains(op):
			chars.HasHeavyAggregation = true
			chars.OLAPStages = append(chars.OLAPStages, op)
		case op == "$match":
			if filter, ok := document.AsDocument(config); ok {
				hasFilter = hasFilter || len(filter) > 0
				chars.HasIDLookup = chars.HasIDLookup || r.hasIDLookup(filter)
				chars.IsTimeRangeQuery = chars.IsTimeRangeQuery || r.isTimeRange(filter)
			}
		case op == "$limit":
			if n, ok := document.NumericValue(config); ok && n > 0 {
				if smallestLimit == 0 || int64(n) < smallestLimit {
					smallestLimit = int64(n)
				}
			}
		case op == "$sample":
			if spec, ok := document.AsDocument(config); ok {
				if size, present := document.Get(spec, "size"); present {
					if n, isNum := document.NumericValue(size); isNum && n > largeSampleSize {
						chars.OLAPStages = append(chars.OLAPStages, op)
					}
				}
			}
		case op == "$lookup" || op == "$graphLookup":
			chars.OLAPStages = append(chars.OLAPStages, op)
		}
	}
	chars.EstimatedRows = r.estimateRows(chars.HasIDLookup, smallestLimit, hasFilter)
	return chars
}

// hasIDLookup reports whether the filter pins _id down to at most a
// small set of values.
func (r *Router) hasIDLookup(filter bson.D) bool {
	v, ok := document.Get(filter, "_id")
	if !ok {
		return false
	}
	ops, isOps := operatorDoc(v)
	if !isOps {
		// Direct equality.
		return true
	}
	for _, op := range ops {
		switch op.Name {
		case "$eq":
			return true
		case "$in":
			if arr, isArr := document.AsArray(op.Value); isArr && len(arr) <= r.cfg.IDInMax {
				return true
			}
		}
	}
	return false
}

// isTimeRange reports whether any recognized timestamp field carries a
// range operator.
func (r *Router) isTimeRange(filter bson.D) bool {
	for _, cond := range filter {
		if !r.cfg.TimestampFields.Contains(cond.Name) {
			continue
		}
		ops, isOps := operatorDoc(cond.Value)
		if !isOps {
			continue
		}
		for _, op := range ops {
			switch op.Name {
			case "$gt", "$gte", "$lt", "$lte":
				return true
			}
		}
	}
	return false
}

// estimateRows is a coarse heuristic: id lookups hit one row, an
// explicit limit caps the result, any other filter is assumed
// selective, and a bare scan lands just over the threshold so the
// threshold rule fires.
func (r *Router) estimateRows(idLookup bool, limit int64, hasFilter bool) int64 {
	switch {
	case idLookup:
		return 1
	case limit > 0:
		return limit
	case hasFilter:
		return 1000
	}
	return r.cfg.RowThreshold + 1
}

func operatorDoc(v interface{}) (bson.D, bool) {
	doc, ok := document.AsDocument(v)
	if !ok || len(doc) == 0 {
		return nil, false
	}
	for _, elem := range doc {
		if !strings.HasPrefix(elem.Name, "$") {
			return nil, false
		}
	}
	return doc, true
}
