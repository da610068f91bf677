package loop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// ToolKind is the tagged category of a tool. File tracking and stuck
// analysis dispatch on the tag instead of sniffing argument shapes.
type ToolKind string

const (
	ToolWrite   ToolKind = "write"
	ToolRead    ToolKind = "read"
	ToolExec    ToolKind = "exec"
	ToolBrowser ToolKind = "browser"
	ToolControl ToolKind = "control"
	ToolOther   ToolKind = "other"
)

// ToolTag describes how the loop should interpret calls to one tool.
type ToolTag struct {
	Kind      ToolKind
	TargetArg string // argument key carrying a file path or URL, if any
	Done      bool   // true for the explicit completion-signal tool
}

// Catalog maps tool names to tags.
type Catalog struct {
	tags map[string]ToolTag
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tags: make(map[string]ToolTag)}
}

// DefaultCatalog covers the core developer toolset plus browser and control
// tools.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Tag("write_file", ToolTag{Kind: ToolWrite, TargetArg: "file_path"})
	c.Tag("edit_file", ToolTag{Kind: ToolWrite, TargetArg: "file_path"})
	c.Tag("apply_patch", ToolTag{Kind: ToolWrite, TargetArg: "file_path"})
	c.Tag("read_file", ToolTag{Kind: ToolRead, TargetArg: "file_path"})
	c.Tag("grep", ToolTag{Kind: ToolRead})
	c.Tag("glob", ToolTag{Kind: ToolRead})
	c.Tag("shell", ToolTag{Kind: ToolExec, TargetArg: "command"})
	c.Tag("open_browser", ToolTag{Kind: ToolBrowser, TargetArg: "url"})
	c.Tag("navigate", ToolTag{Kind: ToolBrowser, TargetArg: "url"})
	c.Tag("screenshot", ToolTag{Kind: ToolBrowser})
	c.Tag("task_done", ToolTag{Kind: ToolControl, Done: true})
	return c
}

// Tag registers or replaces the tag for a tool name.
func (c *Catalog) Tag(name string, tag ToolTag) {
	c.tags[name] = tag
}

// Lookup returns the tag for a tool name. Unknown tools are ToolOther.
func (c *Catalog) Lookup(name string) ToolTag {
	if tag, ok := c.tags[name]; ok {
		return tag
	}
	return ToolTag{Kind: ToolOther}
}

// IsDone reports whether the named tool is the completion signal.
func (c *Catalog) IsDone(name string) bool {
	return c.tags[name].Done
}

// Target extracts the tagged target argument (file path or URL) from raw
// tool arguments. Returns "" when the tool carries none.
func (c *Catalog) Target(name string, args map[string]interface{}) string {
	tag := c.Lookup(name)
	if tag.TargetArg == "" || args == nil {
		return ""
	}
	if v, ok := args[tag.TargetArg].(string); ok {
		return v
	}
	return ""
}

// callSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func callSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}
