package models

// EntryHit is one matching conversation entry.
type EntryHit struct {
	ConversationKey string  `json:"conversation_key"`
	DocumentKey     string  `json:"document_key"`
	Position        int     `json:"position"`
	Entity          string  `json:"entity"`
	Response        string  `json:"response"`
	Score           float64 `json:"score"`
}

// EntrySearchResponse is the response for an entry search.
type EntrySearchResponse struct {
	Query          string      `json:"query"`
	CorrectedQuery string      `json:"corrected_query,omitempty"`
	Hits           []*EntryHit `json:"hits"`
	Total          int         `json:"total"`
	QueryTime      int64       `json:"query_time_ms"`
}
