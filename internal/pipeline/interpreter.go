// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"golang.org/x/sync/errgroup"

	"github.com/juju/mondo/core/document"
)

var logger = loggo.GetLogger("mondo.pipeline")

// Source fetches the materialized contents of another collection in
// the same database. $lookup needs one; a Runner without a Source
// passes $lookup stages through unchanged.
type Source func(ctx context.Context, collection string) ([]bson.D, error)

// Runner evaluates aggregation stages over a materialized document
// stream.
type Runner struct {
	source Source
}

// NewRunner returns a Runner. source may be nil.
func NewRunner(source Source) *Runner {
	return &Runner{source: source}
}

// Run evaluates the pipeline over docs, stage by stage. Unrecognized
// stages pass through unchanged: the wire layer rejects unknown
// operators before they reach here, so a stranger is a programmer
// error worth surviving, not crashing on.
func (r *Runner) Run(ctx context.Context, docs []bson.D, stages []bson.D) ([]bson.D, error) {
	var err error
	for i, stage := range stages {
		if len(stage) != 1 {
			return nil, errors.NotValidf("stage %d with %d operators", i, len(stage))
		}
		op, config := stage[0].Name, stage[0].Value
		docs, err = r.runStage(ctx, docs, op, config)
		if err != nil {
			return nil, errors.Annotatef(err, "stage %d (%s)", i, op)
		}
	}
	return docs, nil
}

func (r *Runner) runStage(ctx context.Context, docs []bson.D, op string, config interface{}) ([]bson.D, error) {
	switch op {
	case "$match":
		filter, ok := document.AsDocument(config)
		if !ok {
			return nil, errors.NotValidf("$match value")
		}
		return stageMatch(docs, filter), nil
	case "$project":
		spec, ok := document.AsDocument(config)
		if !ok {
			return nil, errors.NotValidf("$project value")
		}
		return stageProject(docs, spec), nil
	case "$addFields", "$set":
		spec, ok := document.AsDocument(config)
		if !ok {
			return nil, errors.NotValidf("%s value", op)
		}
		return stageAddFields(docs, spec), nil
	case "$unset":
		return stageUnset(docs, config), nil
	case "$unwind":
		return stageUnwind(docs, config)
	case "$sort":
		spec, ok := document.AsDocument(config)
		if !ok {
			return nil, errors.NotValidf("$sort value")
		}
		return stageSort(docs, spec), nil
	case "$limit":
		n, ok := document.NumericValue(config)
		if !ok || n < 0 {
			return nil, errors.NotValidf("$limit value")
		}
		if int64(n) < int64(len(docs)) {
			docs = docs[:int64(n)]
		}
		return docs, nil
	case "$skip":
		n, ok := document.NumericValue(config)
		if !ok || n < 0 {
			return nil, errors.NotValidf("$skip value")
		}
		if int64(n) >= int64(len(docs)) {
			return []bson.D{}, nil
		}
		return docs[int64(n):], nil
	case "$count":
		name, ok := config.(string)
		if !ok || name == "" {
			return nil, errors.NotValidf("$count value")
		}
		return []bson.D{{{name, len(docs)}}}, nil
	case "$sample":
		return stageSample(docs, config)
	case "$group":
		spec, ok := document.AsDocument(config)
		if !ok {
			return nil, errors.NotValidf("$group value")
		}
		return stageGroup(docs, spec)
	case "$lookup":
		return r.stageLookup(ctx, docs, config)
	case "$facet":
		return r.stageFacet(ctx, docs, config)
	}
	logger.Debugf("passing through unhandled stage %s", op)
	return docs, nil
}

func stageMatch(docs []bson.D, filter bson.D) []bson.D {
	out := docs[:0:0]
	for _, doc := range docs {
		if Matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out
}

func stageProject(docs []bson.D, spec bson.D) []bson.D {
	out := make([]bson.D, len(docs))
	for i, doc := range docs {
		out[i] = Project(doc, spec)
	}
	return out
}

// Project applies a projection specification to a single document.
// An inclusion projection (any truthy value besides _id's) copies the
// listed paths, keeping _id unless it is explicitly excluded; an
// exclusion projection removes the listed paths from a copy.
func Project(doc bson.D, spec bson.D) bson.D {
	if len(spec) == 0 {
		return doc
	}
	inclusion := false
	for _, elem := range spec {
		if elem.Name == "_id" {
			continue
		}
		if truthy(elem.Value) {
			inclusion = true
			break
		}
	}

	if !inclusion {
		out := document.Clone(doc)
		for _, elem := range spec {
			if !truthy(elem.Value) {
				out = document.Delete(out, elem.Name)
			}
		}
		return out
	}

	out := bson.D{}
	includeID := true
	for _, elem := range spec {
		if elem.Name == "_id" {
			includeID = truthy(elem.Value)
			continue
		}
		if !truthy(elem.Value) {
			continue
		}
		if v, ok := document.Get(doc, elem.Name); ok {
			out = document.Set(out, elem.Name, v)
		}
	}
	if includeID {
		if id, ok := document.Get(doc, "_id"); ok {
			out = append(bson.D{{"_id", id}}, out...)
		}
	}
	return out
}

func truthy(v interface{}) bool {
	switch v := v.(type) {
	case bool:
		return v
	default:
		if n, ok := document.NumericValue(v); ok {
			return n != 0
		}
	}
	return false
}

func stageAddFields(docs []bson.D, spec bson.D) []bson.D {
	out := make([]bson.D, len(docs))
	for i, doc := range docs {
		updated := document.Clone(doc)
		for _, elem := range spec {
			updated = document.Set(updated, elem.Name, evaluate(doc, elem.Value))
		}
		out[i] = updated
	}
	return out
}

func stageUnset(docs []bson.D, config interface{}) []bson.D {
	var paths []string
	switch config := config.(type) {
	case string:
		paths = []string{config}
	case []interface{}:
		for _, p := range config {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	out := make([]bson.D, len(docs))
	for i, doc := range docs {
		updated := document.Clone(doc)
		for _, path := range paths {
			updated = document.Delete(updated, path)
		}
		out[i] = updated
	}
	return out
}

func stageUnwind(docs []bson.D, config interface{}) ([]bson.D, error) {
	var path string
	var preserveEmpty bool
	switch config := config.(type) {
	case string:
		path = config
	default:
		spec, ok := document.AsDocument(config)
		if !ok {
			return nil, errors.NotValidf("$unwind value")
		}
		if p, ok := document.Get(spec, "path"); ok {
			path, _ = p.(string)
		}
		if p, ok := document.Get(spec, "preserveNullAndEmptyArrays"); ok {
			preserveEmpty, _ = p.(bool)
		}
	}
	if !strings.HasPrefix(path, "$") {
		return nil, errors.NotValidf("$unwind path %q", path)
	}
	field := path[1:]

	var out []bson.D
	for _, doc := range docs {
		v, present := document.Get(doc, field)
		arr, isArray := document.AsArray(v)
		switch {
		case !present, isArray && len(arr) == 0, v == nil:
			if preserveEmpty {
				out = append(out, doc)
			}
		case isArray:
			for _, elem := range arr {
				unwound := document.Set(document.Clone(doc), field, elem)
				out = append(out, unwound)
			}
		default:
			// Non-array values pass through as a single document.
			out = append(out, doc)
		}
	}
	return out, nil
}

func stageSort(docs []bson.D, spec bson.D) []bson.D {
	out := make([]bson.D, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		for _, key := range spec {
			direction := 1
			if n, ok := document.NumericValue(key.Value); ok && n < 0 {
				direction = -1
			}
			a, _ := document.Get(out[i], key.Name)
			b, _ := document.Get(out[j], key.Name)
			if c := document.Compare(a, b); c != 0 {
				return c*direction < 0
			}
		}
		return false
	})
	return out
}

func stageSample(docs []bson.D, config interface{}) ([]bson.D, error) {
	spec, ok := document.AsDocument(config)
	if !ok {
		return nil, errors.NotValidf("$sample value")
	}
	sizeValue, _ := document.Get(spec, "size")
	size, ok := document.NumericValue(sizeValue)
	if !ok || size <= 0 {
		return nil, errors.NotValidf("$sample size")
	}
	shuffled := make([]bson.D, len(docs))
	copy(shuffled, docs)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if int64(size) < int64(len(shuffled)) {
		shuffled = shuffled[:int64(size)]
	}
	return shuffled, nil
}

func (r *Runner) stageLookup(ctx context.Context, docs []bson.D, config interface{}) ([]bson.D, error) {
	spec, ok := document.AsDocument(config)
	if !ok {
		return nil, errors.NotValidf("$lookup value")
	}
	from, _ := stringField(spec, "from")
	localField, _ := stringField(spec, "localField")
	foreignField, _ := stringField(spec, "foreignField")
	as, _ := stringField(spec, "as")
	if r.source == nil || from == "" || as == "" || localField == "" || foreignField == "" {
		// Pipeline-form lookups and sourceless runners leave the
		// stream untouched; the router only sends source-routable
		// lookups here.
		logger.Debugf("passing through non-routable $lookup")
		return docs, nil
	}
	foreign, err := r.source(ctx, from)
	if err != nil {
		return nil, errors.Annotatef(err, "fetching %q for $lookup", from)
	}
	out := make([]bson.D, len(docs))
	for i, doc := range docs {
		local, _ := document.Get(doc, localField)
		joined := []interface{}{}
		for _, fdoc := range foreign {
			fval, _ := document.Get(fdoc, foreignField)
			if valueMatches(fval, canonID(local)) || valueMatches(local, canonID(fval)) {
				joined = append(joined, fdoc)
			}
		}
		out[i] = document.Set(document.Clone(doc), as, joined)
	}
	return out, nil
}

func (r *Runner) stageFacet(ctx context.Context, docs []bson.D, config interface{}) ([]bson.D, error) {
	spec, ok := document.AsDocument(config)
	if !ok {
		return nil, errors.NotValidf("$facet value")
	}
	results := make([][]bson.D, len(spec))
	group, ctx := errgroup.WithContext(ctx)
	for i, facet := range spec {
		i, facet := i, facet
		stages, err := NormalizeStages(facet.Value)
		if err != nil {
			return nil, errors.Annotatef(err, "facet %q", facet.Name)
		}
		group.Go(func() error {
			out, err := r.Run(ctx, docs, stages)
			if err != nil {
				return errors.Annotatef(err, "facet %q", facet.Name)
			}
			results[i] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, errors.Trace(err)
	}
	combined := bson.D{}
	for i, facet := range spec {
		values := make([]interface{}, len(results[i]))
		for j, doc := range results[i] {
			values[j] = doc
		}
		combined = append(combined, bson.DocElem{Name: facet.Name, Value: values})
	}
	return []bson.D{combined}, nil
}

// NormalizeStages converts a decoded pipeline value (for example a
// []interface{} out of JSON) into []bson.D stage documents.
func NormalizeStages(v interface{}) ([]bson.D, error) {
	switch v := v.(type) {
	case []bson.D:
		return v, nil
	case []interface{}:
		out := make([]bson.D, 0, len(v))
		for i, stage := range v {
			doc, ok := document.AsDocument(stage)
			if !ok {
				return nil, errors.NotValidf("stage %d", i)
			}
			out = append(out, doc)
		}
		return out, nil
	}
	return nil, errors.NotValidf("pipeline value")
}

func stringField(doc bson.D, name string) (string, bool) {
	v, ok := document.Get(doc, name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
