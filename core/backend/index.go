// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend

import (
	"fmt"
	"strings"

	"github.com/juju/mgo/v3/bson"
)

// IndexSpec describes one index: an ordered key pattern mapping field
// paths to a direction (1/-1) or a special kind ("text", "2dsphere"),
// plus the usual options.
type IndexSpec struct {
	Keys   bson.D
	Name   string
	Unique bool
	Sparse bool
}

// EffectiveName returns the index name, synthesizing one from the key
// pattern when the spec carries none, e.g. {a: 1, b: -1} -> "a_1_b_-1".
func (s IndexSpec) EffectiveName() string {
	if s.Name != "" {
		return s.Name
	}
	parts := make([]string, 0, len(s.Keys))
	for _, key := range s.Keys {
		parts = append(parts, fmt.Sprintf("%s_%s", key.Name, directionString(key.Value)))
	}
	return strings.Join(parts, "_")
}

func directionString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int32:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%d", int64(v))
	}
	return "1"
}

// IsIDIndex reports whether the spec describes the implicit _id index,
// which cannot be dropped.
func (s IndexSpec) IsIDIndex() bool {
	return len(s.Keys) == 1 && s.Keys[0].Name == "_id"
}
