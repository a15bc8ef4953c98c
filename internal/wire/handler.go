// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
	"github.com/juju/mondo/internal/pipeline"
)

const (
	serverVersion     = "7.0.0"
	maxBSONObjectSize = 16 * 1024 * 1024
	maxWriteBatchSize = 100000
	minWireVersion    = 0
	maxWireVersion    = 17
)

// handler turns one parsed command document into one reply document.
// It is stateless apart from the backend it dispatches to, so a single
// handler serves every connection.
type handler struct {
	backend backend.Backend
	clock   clock.Clock
}

// handle never returns an error: failures become {ok: 0} documents the
// way MongoDB reports them.
func (h *handler) handle(ctx context.Context, remote string, cmd bson.D) bson.D {
	if len(cmd) == 0 {
		return errorDoc(errors.NotValidf("empty command"))
	}
	name := cmd[0].Name
	db, _ := stringArg(cmd, "$db")

	reply, err := h.dispatch(ctx, remote, db, name, cmd)
	if err != nil {
		logger.Debugf("command %q failed: %v", name, err)
		return errorDoc(err)
	}
	return reply
}

func (h *handler) dispatch(ctx context.Context, remote, db, name string, cmd bson.D) (bson.D, error) {
	switch name {
	case "hello", "isMaster", "ismaster":
		return h.cmdHello(name), nil
	case "ping":
		return bson.D{{"ok", 1}}, nil
	case "buildInfo", "buildinfo":
		return h.cmdBuildInfo(), nil
	case "whatsmyuri":
		return bson.D{{"you", remote}, {"ok", 1}}, nil
	case "getParameter":
		return h.cmdGetParameter(), nil
	case "connectionStatus":
		return h.cmdConnectionStatus(), nil
	case "endSessions":
		return bson.D{{"ok", 1}}, nil
	case "listDatabases":
		return h.cmdListDatabases(ctx)
	case "dropDatabase":
		return h.cmdDropDatabase(ctx, db)
	case "listCollections":
		return h.cmdListCollections(ctx, db, cmd)
	case "create":
		return h.cmdCreate(ctx, db, cmd)
	case "drop":
		return h.cmdDrop(ctx, db, cmd)
	case "find":
		return h.cmdFind(ctx, db, cmd)
	case "getMore":
		return h.cmdGetMore(ctx, db, cmd)
	case "killCursors":
		return h.cmdKillCursors(ctx, cmd)
	case "insert":
		return h.cmdInsert(ctx, db, cmd)
	case "update":
		return h.cmdUpdate(ctx, db, cmd)
	case "delete":
		return h.cmdDelete(ctx, db, cmd)
	case "count":
		return h.cmdCount(ctx, db, cmd)
	case "distinct":
		return h.cmdDistinct(ctx, db, cmd)
	case "aggregate":
		return h.cmdAggregate(ctx, db, cmd)
	case "createIndexes":
		return h.cmdCreateIndexes(ctx, db, cmd)
	case "listIndexes":
		return h.cmdListIndexes(ctx, db, cmd)
	case "dropIndexes":
		return h.cmdDropIndexes(ctx, db, cmd)
	case "collStats":
		return h.cmdCollStats(ctx, db, cmd)
	case "dbStats":
		return h.cmdDBStats(ctx, db)
	}
	return nil, &backend.WireError{
		Message: fmt.Sprintf("no such command: '%s'", name),
		Code:    backend.CodeCommandNotFound,
		Name:    backend.CodeName(backend.CodeCommandNotFound),
	}
}

func (h *handler) cmdHello(name string) bson.D {
	reply := bson.D{
		{"isWritablePrimary", true},
	}
	if name != "hello" {
		reply = append(reply, bson.DocElem{Name: "ismaster", Value: true})
	}
	return append(reply,
		bson.DocElem{Name: "maxBsonObjectSize", Value: maxBSONObjectSize},
		bson.DocElem{Name: "maxMessageSizeBytes", Value: DefaultMaxMessageSize},
		bson.DocElem{Name: "maxWriteBatchSize", Value: maxWriteBatchSize},
		bson.DocElem{Name: "localTime", Value: h.clock.Now().UTC()},
		bson.DocElem{Name: "logicalSessionTimeoutMinutes", Value: 30},
		bson.DocElem{Name: "minWireVersion", Value: minWireVersion},
		bson.DocElem{Name: "maxWireVersion", Value: maxWireVersion},
		bson.DocElem{Name: "readOnly", Value: false},
		bson.DocElem{Name: "ok", Value: 1},
	)
}

func (h *handler) cmdBuildInfo() bson.D {
	return bson.D{
		{"version", serverVersion},
		{"gitVersion", "mondo"},
		{"modules", []interface{}{}},
		{"sysInfo", "deprecated"},
		{"maxBsonObjectSize", maxBSONObjectSize},
		{"ok", 1},
	}
}

func (h *handler) cmdGetParameter() bson.D {
	return bson.D{
		{"featureCompatibilityVersion", bson.D{{"version", "7.0"}}},
		{"ok", 1},
	}
}

func (h *handler) cmdConnectionStatus() bson.D {
	return bson.D{
		{"authInfo", bson.D{
			{"authenticatedUsers", []interface{}{}},
			{"authenticatedUserRoles", []interface{}{}},
		}},
		{"ok", 1},
	}
}

func (h *handler) cmdListDatabases(ctx context.Context) (bson.D, error) {
	infos, err := h.backend.ListDatabases(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var total int64
	databases := make([]interface{}, 0, len(infos))
	for _, info := range infos {
		total += info.SizeOnDisk
		databases = append(databases, bson.D{
			{"name", info.Name},
			{"sizeOnDisk", info.SizeOnDisk},
			{"empty", info.Empty},
		})
	}
	return bson.D{
		{"databases", databases},
		{"totalSize", total},
		{"ok", 1},
	}, nil
}

func (h *handler) cmdDropDatabase(ctx context.Context, db string) (bson.D, error) {
	if err := h.backend.DropDatabase(ctx, db); err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{{"dropped", db}, {"ok", 1}}, nil
}

func (h *handler) cmdListCollections(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	var opts backend.ListCollectionsOptions
	if filter, ok := docArg(cmd, "filter"); ok {
		if name, isStr := document.Get(filter, "name"); isStr {
			if s, ok := name.(string); ok {
				opts.NameFilter = s
			}
		}
	}
	infos, err := h.backend.ListCollections(ctx, db, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	batch := make([]interface{}, 0, len(infos))
	for _, info := range infos {
		options := info.Options
		if options == nil {
			options = bson.D{}
		}
		batch = append(batch, bson.D{
			{"name", info.Name},
			{"type", "collection"},
			{"options", options},
			{"info", bson.D{{"readOnly", false}}},
			{"idIndex", bson.D{
				{"v", 2},
				{"key", bson.D{{"_id", 1}}},
				{"name", "_id_"},
			}},
		})
	}
	return closedCursorReply(db+".$cmd.listCollections", batch), nil
}

func (h *handler) cmdCreate(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "create")
	options := bson.D{}
	for _, elem := range cmd[1:] {
		switch elem.Name {
		case "$db", "lsid", "txnNumber", "capped":
		default:
			options = append(options, elem)
		}
	}
	if err := h.backend.CreateCollection(ctx, db, collection, options); err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{{"ok", 1}}, nil
}

func (h *handler) cmdDrop(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "drop")
	if err := h.backend.DropCollection(ctx, db, collection); err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{{"ns", db + "." + collection}, {"ok", 1}}, nil
}

func (h *handler) cmdFind(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "find")
	opts := backend.FindOptions{}
	opts.Filter, _ = docArg(cmd, "filter")
	opts.Sort, _ = docArg(cmd, "sort")
	opts.Projection, _ = docArg(cmd, "projection")
	opts.Limit = int64Arg(cmd, "limit")
	opts.Skip = int64Arg(cmd, "skip")
	opts.BatchSize = int(int64Arg(cmd, "batchSize"))
	if singleBatch, _ := boolArg(cmd, "singleBatch"); singleBatch && opts.Limit == 0 {
		opts.Limit = int64(opts.EffectiveBatchSize())
	}

	res, err := h.backend.Find(ctx, db, collection, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return h.cursorReply(ctx, db+"."+collection, "firstBatch", res), nil
}

func (h *handler) cmdGetMore(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	id := int64Arg(cmd, "getMore")
	collection, _ := stringArg(cmd, "collection")
	batchSize := int(int64Arg(cmd, "batchSize"))

	// An evicted or unknown cursor is reported as an empty batch with
	// cursorId 0, not as an error.
	res, err := h.backend.AdvanceCursor(ctx, id, batchSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !res.HasMore {
		if _, err := h.backend.CloseCursor(ctx, id); err != nil {
			logger.Debugf("closing exhausted cursor %d: %v", id, err)
		}
	}
	return h.cursorReply(ctx, db+"."+collection, "nextBatch", res), nil
}

func (h *handler) cmdKillCursors(ctx context.Context, cmd bson.D) (bson.D, error) {
	ids, _ := arrayArg(cmd, "cursors")
	killed := make([]interface{}, 0, len(ids))
	notFound := []interface{}{}
	for _, raw := range ids {
		id, ok := asInt64(raw)
		if !ok {
			continue
		}
		closed, err := h.backend.CloseCursor(ctx, id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if closed {
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return bson.D{
		{"cursorsKilled", killed},
		{"cursorsNotFound", notFound},
		{"cursorsAlive", []interface{}{}},
		{"cursorsUnknown", []interface{}{}},
		{"ok", 1},
	}, nil
}

func (h *handler) cmdInsert(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "insert")
	raw, _ := arrayArg(cmd, "documents")
	docs, err := documentList(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res, err := h.backend.InsertMany(ctx, db, collection, docs)
	if err != nil {
		var inserted int64
		if res != nil {
			inserted = res.InsertedCount
		}
		return writeErrorReply(inserted, int(inserted), err), nil
	}
	return bson.D{{"n", res.InsertedCount}, {"ok", 1}}, nil
}

func (h *handler) cmdUpdate(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "update")
	updates, _ := arrayArg(cmd, "updates")

	var n, nModified int64
	upserted := []interface{}{}
	for i, raw := range updates {
		spec, ok := document.AsDocument(raw)
		if !ok {
			return nil, errors.NotValidf("update %d", i)
		}
		filter, _ := docArg(spec, "q")
		change, _ := docArg(spec, "u")
		opts := backend.UpdateOptions{}
		opts.Upsert, _ = boolArg(spec, "upsert")
		multi, _ := boolArg(spec, "multi")

		var (
			res *backend.WriteResult
			err error
		)
		if multi {
			res, err = h.backend.UpdateMany(ctx, db, collection, filter, change, opts)
		} else {
			res, err = h.backend.UpdateOne(ctx, db, collection, filter, change, opts)
		}
		if err != nil {
			return writeErrorReply(n, i, err), nil
		}
		n += res.MatchedCount
		nModified += res.ModifiedCount
		if res.UpsertedID != nil {
			n++
			upserted = append(upserted, bson.D{{"index", i}, {"_id", res.UpsertedID}})
		}
	}
	reply := bson.D{{"n", n}, {"nModified", nModified}}
	if len(upserted) > 0 {
		reply = append(reply, bson.DocElem{Name: "upserted", Value: upserted})
	}
	return append(reply, bson.DocElem{Name: "ok", Value: 1}), nil
}

func (h *handler) cmdDelete(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "delete")
	deletes, _ := arrayArg(cmd, "deletes")

	var n int64
	for i, raw := range deletes {
		spec, ok := document.AsDocument(raw)
		if !ok {
			return nil, errors.NotValidf("delete %d", i)
		}
		filter, _ := docArg(spec, "q")
		var (
			res *backend.WriteResult
			err error
		)
		if limit := int64Arg(spec, "limit"); limit == 1 {
			res, err = h.backend.DeleteOne(ctx, db, collection, filter)
		} else {
			res, err = h.backend.DeleteMany(ctx, db, collection, filter)
		}
		if err != nil {
			return writeErrorReply(n, i, err), nil
		}
		n += res.DeletedCount
	}
	return bson.D{{"n", n}, {"ok", 1}}, nil
}

func (h *handler) cmdCount(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "count")
	filter, _ := docArg(cmd, "query")
	n, err := h.backend.Count(ctx, db, collection, filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{{"n", n}, {"ok", 1}}, nil
}

func (h *handler) cmdDistinct(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "distinct")
	field, _ := stringArg(cmd, "key")
	filter, _ := docArg(cmd, "query")
	values, err := h.backend.Distinct(ctx, db, collection, field, filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if values == nil {
		values = []interface{}{}
	}
	return bson.D{{"values", values}, {"ok", 1}}, nil
}

func (h *handler) cmdAggregate(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "aggregate")
	raw, _ := arrayArg(cmd, "pipeline")

	result := pipeline.Validate(raw)
	if !result.Success {
		issue := result.Errors[0]
		return nil, &backend.WireError{
			Message: fmt.Sprintf("invalid pipeline: %s: %s", issue.Path, issue.Message),
			Code:    backend.CodeBadValue,
			Name:    backend.CodeName(backend.CodeBadValue),
		}
	}
	for _, warning := range result.Warnings {
		logger.Debugf("aggregate on %s.%s: %s: %s", db, collection, warning.Path, warning.Message)
	}

	opts := backend.AggregateOptions{}
	if cursor, ok := docArg(cmd, "cursor"); ok {
		opts.BatchSize = int(int64Arg(cursor, "batchSize"))
	}
	opts.AllowDiskUse, _ = boolArg(cmd, "allowDiskUse")

	res, err := h.backend.Aggregate(ctx, db, collection, result.Data, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return h.cursorReply(ctx, db+"."+collection, "firstBatch", res), nil
}

func (h *handler) cmdCreateIndexes(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "createIndexes")
	raw, _ := arrayArg(cmd, "indexes")

	specs := make([]backend.IndexSpec, 0, len(raw))
	for i, entry := range raw {
		doc, ok := document.AsDocument(entry)
		if !ok {
			return nil, errors.NotValidf("index %d", i)
		}
		spec := backend.IndexSpec{}
		spec.Keys, _ = docArg(doc, "key")
		spec.Name, _ = stringArg(doc, "name")
		spec.Unique, _ = boolArg(doc, "unique")
		spec.Sparse, _ = boolArg(doc, "sparse")
		specs = append(specs, spec)
	}

	existing, err := h.backend.ListIndexes(ctx, db, collection)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	before := len(existing)
	if before == 0 {
		before = 1 // the implicit _id index
	}
	names, err := h.backend.CreateIndexes(ctx, db, collection, specs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{
		{"createdCollectionAutomatically", len(existing) == 0},
		{"numIndexesBefore", before},
		{"numIndexesAfter", before + len(names)},
		{"ok", 1},
	}, nil
}

func (h *handler) cmdListIndexes(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "listIndexes")
	specs, err := h.backend.ListIndexes(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	batch := make([]interface{}, 0, len(specs))
	for _, spec := range specs {
		doc := bson.D{
			{"v", 2},
			{"key", spec.Keys},
			{"name", spec.EffectiveName()},
		}
		if spec.Unique {
			doc = append(doc, bson.DocElem{Name: "unique", Value: true})
		}
		if spec.Sparse {
			doc = append(doc, bson.DocElem{Name: "sparse", Value: true})
		}
		batch = append(batch, doc)
	}
	return closedCursorReply(db+"."+collection, batch), nil
}

func (h *handler) cmdDropIndexes(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "dropIndexes")
	specs, err := h.backend.ListIndexes(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	was := len(specs)

	index, ok := stringArg(cmd, "index")
	if !ok {
		return nil, errors.NotValidf("dropIndexes without index name")
	}
	if index == "*" {
		err = h.backend.DropAllIndexes(ctx, db, collection)
	} else {
		err = h.backend.DropIndex(ctx, db, collection, index)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{{"nIndexesWas", was}, {"ok", 1}}, nil
}

func (h *handler) cmdCollStats(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	collection, _ := stringArg(cmd, "collStats")
	stats, err := h.backend.CollStats(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{
		{"ns", stats.Namespace},
		{"count", stats.Count},
		{"size", stats.Size},
		{"avgObjSize", stats.AvgObjSize},
		{"storageSize", stats.StorageSize},
		{"nindexes", stats.IndexCount},
		{"totalIndexSize", stats.TotalIndexSize},
		{"ok", 1},
	}, nil
}

func (h *handler) cmdDBStats(ctx context.Context, db string) (bson.D, error) {
	stats, err := h.backend.DBStats(ctx, db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bson.D{
		{"db", stats.Database},
		{"collections", stats.Collections},
		{"objects", stats.Objects},
		{"dataSize", stats.DataSize},
		{"storageSize", stats.StorageSize},
		{"indexes", stats.IndexCount},
		{"ok", 1},
	}, nil
}

// cursorReply shapes a FindResult the way drivers expect, closing the
// server-side cursor when this batch exhausted it.
func (h *handler) cursorReply(ctx context.Context, namespace, batchKey string, res *backend.FindResult) bson.D {
	id := int64(0)
	if res.HasMore {
		id = res.CursorID
	} else if res.CursorID != 0 {
		if _, err := h.backend.CloseCursor(ctx, res.CursorID); err != nil {
			logger.Debugf("closing exhausted cursor %d: %v", res.CursorID, err)
		}
	}
	docs := make([]interface{}, 0, len(res.Documents))
	for _, doc := range res.Documents {
		docs = append(docs, doc)
	}
	return bson.D{
		{"cursor", bson.D{
			{"id", id},
			{"ns", namespace},
			{batchKey, docs},
		}},
		{"ok", 1},
	}
}

// closedCursorReply wraps a complete result set in the cursor shape
// with no server-side cursor behind it.
func closedCursorReply(namespace string, batch []interface{}) bson.D {
	return bson.D{
		{"cursor", bson.D{
			{"id", int64(0)},
			{"ns", namespace},
			{"firstBatch", batch},
		}},
		{"ok", 1},
	}
}

func errorDoc(err error) bson.D {
	code := backend.WireCode(err)
	msg := err.Error()
	var wireErr *backend.WireError
	if errors.As(err, &wireErr) {
		msg = wireErr.Message
	}
	return bson.D{
		{"ok", 0},
		{"errmsg", msg},
		{"code", code},
		{"codeName", backend.CodeName(code)},
	}
}

// writeErrorReply reports a failed write the way MongoDB does: the
// command itself succeeds and the failure rides in writeErrors.
func writeErrorReply(n int64, index int, err error) bson.D {
	code := backend.WireCode(err)
	return bson.D{
		{"n", n},
		{"writeErrors", []interface{}{bson.D{
			{"index", index},
			{"code", code},
			{"errmsg", err.Error()},
		}}},
		{"ok", 1},
	}
}

func stringArg(doc bson.D, name string) (string, bool) {
	v, ok := document.Get(doc, name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func docArg(doc bson.D, name string) (bson.D, bool) {
	v, ok := document.Get(doc, name)
	if !ok {
		return nil, false
	}
	return document.AsDocument(v)
}

func arrayArg(doc bson.D, name string) ([]interface{}, bool) {
	v, ok := document.Get(doc, name)
	if !ok {
		return nil, false
	}
	return document.AsArray(v)
}

func boolArg(doc bson.D, name string) (bool, bool) {
	v, ok := document.Get(doc, name)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func int64Arg(doc bson.D, name string) int64 {
	v, ok := document.Get(doc, name)
	if !ok {
		return 0
	}
	n, _ := asInt64(v)
	return n
}

func asInt64(v interface{}) (int64, bool) {
	n, ok := document.NumericValue(v)
	if !ok {
		return 0, false
	}
	return int64(n), true
}

func documentList(raw []interface{}) ([]bson.D, error) {
	docs := make([]bson.D, 0, len(raw))
	for i, entry := range raw {
		doc, ok := document.AsDocument(entry)
		if !ok {
			return nil, errors.NotValidf("document %d", i)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
