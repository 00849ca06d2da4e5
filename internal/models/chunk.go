package models

// ChunkMetadata describes where a chunk sits in its document, in words.
type ChunkMetadata struct {
	StartWord int `json:"start_word"`
	EndWord   int `json:"end_word"`
	WordCount int `json:"word_count"`
}

// ChunkCandidate is a chunk before it has been embedded.
type ChunkCandidate struct {
	Index    int
	Content  string
	Metadata ChunkMetadata
}

// Chunk is a stored, embedded slice of a document.
type Chunk struct {
	DocumentID string
	Index      int
	Content    string
	Embedding  []float32
	Metadata   ChunkMetadata
}

// RetrievalResult is one ranked chunk returned by a similarity search.
type RetrievalResult struct {
	DocumentID string        `json:"document_id"`
	ChunkIndex int           `json:"chunk_index"`
	Content    string        `json:"content"`
	Similarity float64       `json:"similarity"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// Less orders results by similarity descending, then chunk index and document id ascending.
func (r RetrievalResult) Less(other RetrievalResult) bool {
	if r.Similarity != other.Similarity {
		return r.Similarity > other.Similarity
	}
	if r.ChunkIndex != other.ChunkIndex {
		return r.ChunkIndex < other.ChunkIndex
	}
	return r.DocumentID < other.DocumentID
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message of chat history.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
