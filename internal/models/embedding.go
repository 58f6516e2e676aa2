package models

// Document is one loaded input file
type Document struct {
	Source string
	Pages  []Page
}

// Page holds the extracted text of a single page, 1-based
type Page struct {
	Number int
	Text   string
}

// Chunk represents a parsed chunk with metadata. Its position in the chunk
// sequence is the row number in the vector index.
type Chunk struct {
	Source  string `json:"source"`
	Page    int    `json:"page"`
	ChunkID int    `json:"chunk_id"`
	Text    string `json:"text"`
}

type SearchResult struct {
	Chunk    Chunk
	Distance float32
}

type Source struct {
	Rank   int
	Source string
	Page   int
}

type Answer struct {
	Question string
	Text     string
	Sources  []Source
}
