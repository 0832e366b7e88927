package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileConfig scopes the built-in filesystem tools to a workspace root.
type FileConfig struct {
	Workspace    string
	MaxReadBytes int
}

// resolver confines a relative path to the workspace root, rejecting any
// path that escapes it. Grounded on internal/tools/files/resolver.go.
type resolver struct {
	root string
}

func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

func okJSON(v any) Result {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail("encode result: %v", err)
	}
	return Result{Success: true, Output: string(payload)}
}

// ReadFileTool reads a workspace file with an offset and byte cap.
type ReadFileTool struct {
	resolver resolver
	maxRead  int
}

// NewReadFileTool creates a read tool scoped to cfg.Workspace.
func NewReadFileTool(cfg FileConfig) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadFileTool{resolver: resolver{root: cfg.Workspace}, maxRead: limit}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace with optional offset and byte limit." }

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file, relative to the workspace."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from."},
			"max_bytes": {"type": "integer", "minimum": 0, "description": "Maximum bytes to read, capped by the tool default."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) Result {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return fail("invalid parameters: %v", err)
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fail("%v", err)
	}

	file, err := os.Open(resolved)
	if err != nil {
		return fail("open file: %v", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fail("stat file: %v", err)
	}
	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return fail("seek file: %v", err)
		}
	}

	limit := t.maxRead
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	remaining := int64(limit)
	if size := info.Size(); size > 0 {
		remaining = size - input.Offset
		if remaining < 0 {
			remaining = 0
		}
		if remaining > int64(limit) {
			remaining = int64(limit)
		}
	}

	buf, err := io.ReadAll(io.LimitReader(file, remaining))
	if err != nil {
		return fail("read file: %v", err)
	}

	truncated := info.Size() > 0 && input.Offset+int64(len(buf)) < info.Size()

	return okJSON(map[string]any{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": truncated,
	})
}

// WriteFileTool writes or appends to a workspace file, creating parent
// directories as needed.
type WriteFileTool struct {
	resolver resolver
}

// NewWriteFileTool creates a write tool scoped to cfg.Workspace.
func NewWriteFileTool(cfg FileConfig) *WriteFileTool {
	return &WriteFileTool{resolver: resolver{root: cfg.Workspace}}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace, overwriting by default." }

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to write, relative to the workspace."},
			"content": {"type": "string", "description": "File contents to write."},
			"append": {"type": "boolean", "description": "Append instead of overwrite."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) Result {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return fail("invalid parameters: %v", err)
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fail("%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fail("create directory: %v", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return fail("open file: %v", err)
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return fail("write file: %v", err)
	}

	return okJSON(map[string]any{
		"path":          input.Path,
		"bytes_written": n,
		"append":        input.Append,
	})
}

// EditFileTool applies in-place find/replace edits to a workspace file.
type EditFileTool struct {
	resolver resolver
}

// NewEditFileTool creates an edit tool scoped to cfg.Workspace.
func NewEditFileTool(cfg FileConfig) *EditFileTool {
	return &EditFileTool{resolver: resolver{root: cfg.Workspace}}
}

func (t *EditFileTool) Name() string        { return "edit_file" }
func (t *EditFileTool) Description() string { return "Apply one or more find/replace edits to a file in the workspace." }

func (t *EditFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"edits": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"old_text": {"type": "string"},
						"new_text": {"type": "string"},
						"replace_all": {"type": "boolean"}
					},
					"required": ["old_text", "new_text"]
				}
			}
		},
		"required": ["path", "edits"]
	}`)
}

func (t *EditFileTool) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) Result {
	var input struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return fail("invalid parameters: %v", err)
	}
	if len(input.Edits) == 0 {
		return fail("edits are required")
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fail("%v", err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fail("read file: %v", err)
	}

	content := string(data)
	replacements := 0
	for _, edit := range input.Edits {
		if edit.OldText == "" {
			return fail("old_text is required")
		}
		if !strings.Contains(content, edit.OldText) {
			return fail("old_text not found: %q", edit.OldText)
		}
		if edit.ReplaceAll {
			replacements += strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fail("write file: %v", err)
	}

	return okJSON(map[string]any{"path": input.Path, "replacements": replacements})
}
