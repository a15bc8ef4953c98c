// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend

// QueryCharacteristics is the derived view of a read that the router
// bases its engine choice on.
type QueryCharacteristics struct {
	// HasIDLookup is set when the filter pins _id to one value (or a
	// small $in set).
	HasIDLookup bool
	// IsTimeRangeQuery is set when a recognized timestamp field
	// carries a range operator.
	IsTimeRangeQuery bool
	// HasHeavyAggregation is set when the pipeline contains a stage
	// whose evaluation cost suggests columnar execution.
	HasHeavyAggregation bool
	// EstimatedRows is the router's guess at the result size.
	EstimatedRows int64
	// OLAPStages lists the pipeline stages that suggested the
	// analytical engine.
	OLAPStages []string
}

// RouteDecision records where a query went and why.
type RouteDecision struct {
	Engine          Engine
	Reason          string
	Characteristics QueryCharacteristics
	Warnings        []string
}
