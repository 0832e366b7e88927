package toolcatalog

import (
	"context"
	"encoding/json"
	"os"
	"sort"
)

// ListDirTool lists the entries of a workspace directory. Grounded on
// tools_files.go's resolver/FileConfig pattern; it is the one filesystem
// tool the donor's own internal/tools/files package didn't carry, added
// here since agents need to see a directory before they can read_file
// anything in it.
type ListDirTool struct {
	resolver resolver
}

// NewListDirTool creates a directory-listing tool scoped to cfg.Workspace.
func NewListDirTool(cfg FileConfig) *ListDirTool {
	return &ListDirTool{resolver: resolver{root: cfg.Workspace}}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the files and subdirectories of a workspace directory." }

func (t *ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list, relative to the workspace. Defaults to the workspace root."}
		}
	}`)
}

func (t *ListDirTool) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) Result {
	var input struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return fail("invalid parameters: %v", err)
		}
	}
	if input.Path == "" {
		input.Path = "."
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fail("%v", err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return fail("read dir: %v", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return okJSON(map[string]any{"path": input.Path, "entries": names})
}
