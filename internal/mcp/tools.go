package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/syncstore"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// RecordView is a record as returned by tools.
type RecordView struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Fields    map[string]any `json:"fields"`
}

func viewOf(r record.Record) RecordView {
	fields := map[string]any(r.Fields.Clone())
	if fields == nil {
		fields = map[string]any{}
	}
	return RecordView{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Fields:    fields,
	}
}

type ViewInput struct {
	Collection string         `json:"collection" jsonschema:"collection name, e.g. lab_scripts"`
	Filter     map[string]any `json:"filter,omitempty" jsonschema:"exact-match filter on top-level fields"`
}

type SnapshotOutput struct {
	Collection string       `json:"collection"`
	Live       bool         `json:"live"`
	Error      string       `json:"error,omitempty"`
	Records    []RecordView `json:"records"`
}

type AddRecordInput struct {
	Collection string         `json:"collection" jsonschema:"collection name"`
	Fields     map[string]any `json:"fields" jsonschema:"record fields; id and audit timestamps are assigned by the server"`
}

type UpdateRecordInput struct {
	Collection string         `json:"collection" jsonschema:"collection name"`
	ID         string         `json:"id" jsonschema:"record id"`
	Fields     map[string]any `json:"fields" jsonschema:"fields to overwrite"`
}

type RemoveRecordInput struct {
	Collection string `json:"collection" jsonschema:"collection name"`
	ID         string `json:"id" jsonschema:"record id"`
}

type RecordOutput struct {
	Record RecordView `json:"record"`
}

type AckOutput struct {
	OK bool `json:"ok"`
}

type tools struct {
	registry *syncstore.Registry
	logger   *slog.Logger
}

func registerTools(server *sdkmcp.Server, registry *syncstore.Registry, logger *slog.Logger) {
	t := &tools{registry: registry, logger: logger}

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_records",
		Description: "Return the current snapshot of a collection view, newest first",
	}, t.listRecords)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "add_record",
		Description: "Insert a record into a collection and return it with its assigned id",
	}, t.addRecord)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "update_record",
		Description: "Overwrite top-level fields of an existing record",
	}, t.updateRecord)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "remove_record",
		Description: "Delete a record by id",
	}, t.removeRecord)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "refetch_collection",
		Description: "Reload a collection view from the gateway and return the new snapshot",
	}, t.refetchCollection)
}

func (t *tools) view(ctx context.Context, collection string, filter map[string]any) (*syncstore.Store, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return nil, err
	}
	f := record.Filter(filter)
	if len(f) == 0 {
		f = nil
	}
	if err := record.ValidateQuery(f, record.Order{}); err != nil {
		return nil, err
	}
	return t.registry.Get(ctx, collection, f)
}

func snapshot(st *syncstore.Store) SnapshotOutput {
	recs := st.List()
	out := SnapshotOutput{
		Collection: st.Collection(),
		Live:       st.Live(),
		Records:    make([]RecordView, len(recs)),
	}
	for i, r := range recs {
		out.Records[i] = viewOf(r)
	}
	if err := st.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func (t *tools) listRecords(ctx context.Context, _ *sdkmcp.CallToolRequest, in ViewInput) (*sdkmcp.CallToolResult, SnapshotOutput, error) {
	st, err := t.view(ctx, in.Collection, in.Filter)
	if err != nil {
		return nil, SnapshotOutput{}, MapError(err)
	}
	defer t.registry.Release(st)
	out := snapshot(st)
	return textResult(out), out, nil
}

func (t *tools) refetchCollection(ctx context.Context, _ *sdkmcp.CallToolRequest, in ViewInput) (*sdkmcp.CallToolResult, SnapshotOutput, error) {
	st, err := t.view(ctx, in.Collection, in.Filter)
	if err != nil {
		return nil, SnapshotOutput{}, MapError(err)
	}
	defer t.registry.Release(st)
	if err := st.Refetch(ctx); err != nil {
		t.logger.Warn("refetch failed", "collection", in.Collection, "user_id", getUserID(ctx), "error", err)
		return nil, SnapshotOutput{}, MapError(err)
	}
	out := snapshot(st)
	return textResult(out), out, nil
}

func (t *tools) addRecord(ctx context.Context, _ *sdkmcp.CallToolRequest, in AddRecordInput) (*sdkmcp.CallToolResult, RecordOutput, error) {
	st, err := t.view(ctx, in.Collection, nil)
	if err != nil {
		return nil, RecordOutput{}, MapError(err)
	}
	defer t.registry.Release(st)
	rec, err := st.Add(ctx, record.Fields(in.Fields))
	if err != nil {
		return nil, RecordOutput{}, MapError(err)
	}
	t.logger.Info("record added", "collection", in.Collection, "id", rec.ID, "user_id", getUserID(ctx))
	out := RecordOutput{Record: viewOf(rec)}
	return textResult(out), out, nil
}

func (t *tools) updateRecord(ctx context.Context, _ *sdkmcp.CallToolRequest, in UpdateRecordInput) (*sdkmcp.CallToolResult, AckOutput, error) {
	st, err := t.view(ctx, in.Collection, nil)
	if err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	defer t.registry.Release(st)
	if err := record.ValidatePayload(record.Fields(in.Fields)); err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	if err := st.Update(ctx, in.ID, record.Fields(in.Fields)); err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	t.logger.Info("record updated", "collection", in.Collection, "id", in.ID, "user_id", getUserID(ctx))
	out := AckOutput{OK: true}
	return textResult(out), out, nil
}

func (t *tools) removeRecord(ctx context.Context, _ *sdkmcp.CallToolRequest, in RemoveRecordInput) (*sdkmcp.CallToolResult, AckOutput, error) {
	st, err := t.view(ctx, in.Collection, nil)
	if err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	defer t.registry.Release(st)
	if err := st.Remove(ctx, in.ID); err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	t.logger.Info("record removed", "collection", in.Collection, "id", in.ID, "user_id", getUserID(ctx))
	out := AckOutput{OK: true}
	return textResult(out), out, nil
}

func textResult(v any) *sdkmcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{}`)
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}
}
