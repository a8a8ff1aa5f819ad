package protocol

// Chunk kinds an adapter may emit during a turn. Order of emission is
// preserved end to end; text chunks concatenate into the turn's final
// content.
const (
	ChunkText            = "text"
	ChunkThinking        = "thinking"
	ChunkToolUse         = "tool_use"
	ChunkToolResult      = "tool_result"
	ChunkError           = "error"
	ChunkWorkspaceStatus = "workspace_status"
)

// Metadata keys used in Chunk.Meta.
const (
	MetaToolName   = "toolName"
	MetaToolID     = "toolId"
	MetaWorkingDir = "workingDirectory"
)

// Chunk is the streaming unit produced by adapters and relayed through
// the broker to clients.
type Chunk struct {
	Kind    string            `json:"type"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// TextChunk builds a plain text chunk.
func TextChunk(content string) Chunk {
	return Chunk{Kind: ChunkText, Content: content}
}

// ErrorChunk builds an error chunk. Errors travel as data so the UI
// renders them inline with the conversation.
func ErrorChunk(msg string) Chunk {
	return Chunk{Kind: ChunkError, Content: msg}
}

// ToolUseChunk builds a tool_use chunk carrying the tool name and id.
func ToolUseChunk(content, toolName, toolID string) Chunk {
	return Chunk{
		Kind:    ChunkToolUse,
		Content: content,
		Meta:    map[string]string{MetaToolName: toolName, MetaToolID: toolID},
	}
}

// WorkspaceStatus is the probe result appended after a turn when the
// agent has a working directory.
type WorkspaceStatus struct {
	Branch        string        `json:"branch"`
	ChangedFiles  []ChangedFile `json:"changedFiles"`
	Summary       ChangeSummary `json:"summary"`
	RecentCommits []CommitInfo  `json:"recentCommits,omitempty"`
}

// ChangedFile statuses.
const (
	FileAdded     = "added"
	FileModified  = "modified"
	FileDeleted   = "deleted"
	FileRenamed   = "renamed"
	FileUntracked = "untracked"
)

type ChangedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
	Diff      string `json:"diff,omitempty"`
}

type ChangeSummary struct {
	FilesChanged int `json:"filesChanged"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

type CommitInfo struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

// SlashCommand describes one slash command an adapter exposes.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage,omitempty"`
	Source      string `json:"source,omitempty"`
}

// CostSummary is the cumulative usage an adapter has accrued.
type CostSummary struct {
	USD             float64 `json:"usd"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	CacheReadTokens int64   `json:"cacheReadTokens"`
}
