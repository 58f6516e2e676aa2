package models

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 150
	DefaultTopK         = 3
	DefaultContextChars = 700

	SourceTagFormat  = "[SRC_%d]"
	ContextSeparator = "\n\n"
	Ellipsis         = "..."

	FallbackAnswer = "Not enough information found in the provided documents."
)

var (
	PromptTemplate = `
You are a research assistant. Use only the following excerpts from research papers to answer the question.
Cite your sources inline like [SRC_0] and include filename + page numbers.
If the information is not in the context, say: "` + FallbackAnswer + `"

--- CONTEXT ---
%s

--- QUESTION ---
%s

Answer concisely with citations.
`
)
