package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `chairside mirrors the practice's record collections (lab_scripts,
lab_script_comments, manufacturing_items, ...) and keeps each view in sync
with the data gateway.

Core concepts:
- Collection: a named set of records. Every record has id, created_at,
  updated_at plus free-form fields.
- View: a collection narrowed by an equality filter. Views are shared; a
  view stays live while the gateway change stream is connected.
- Snapshot: the ordered records of a view, newest first unless configured
  otherwise.

Workflow:
1) list_records to read a view. Check "live": when false the view only
   changes on refetch_collection, and "error" explains the last failed fetch.
2) add_record / update_record / remove_record to mutate. The view updates
   immediately; the change stream confirms it.
3) Never send id, created_at or updated_at in fields.

Docs:
- chairside://docs/collections
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "chairside://docs/collections",
		Name:        "docs_collections",
		Title:       "chairside collections",
		Description: "Known collections and their fields.",
		Content: `# Collections

## lab_scripts

Prescriptions sent to a dental lab.

- patient_id (string)
- lab (string)
- procedure (string)
- status: draft | sent | in_progress | completed | cancelled
- due_date (RFC 3339, optional)
- notes (string, optional)

Status only moves forward: draft -> sent -> in_progress -> completed; any
open script may be cancelled.

## lab_script_comments

- lab_script_id (string)
- author (string)
- body (string)

## manufacturing_items

- lab_script_id (string)
- material: zirconia | emax | pmma | titanium | gold | composite
- shade (string)
- stage: design -> milling -> sintering -> finishing -> delivered
- cost (decimal string, two places)

## Filters

Filters are exact matches on top-level fields, e.g.
` + "`{\"patient_id\": \"p1\"}`" + `. Numbers compare numerically.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
