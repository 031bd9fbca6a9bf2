package search

import "time"

// Result is a single search hit returned to the caller.
type Result struct {
	ID                  string    `json:"id"`
	Snippet             string    `json:"snippet"`
	SenderHospitalID    string    `json:"senderHospitalId"`
	RecipientHospitalID string    `json:"recipientHospitalId"`
	SenderName          string    `json:"senderName,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Query describes a search request. HospitalID scopes results to
// conversations the requester participates in and is mandatory;
// CounterpartyID optionally narrows to a single conversation.
type Query struct {
	Text           string
	HospitalID     string
	CounterpartyID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. File and system
// messages are not indexed; their content is an object key or generated
// text.
type MessageRecord struct {
	ID                  string `json:"id"`
	Content             string `json:"content"`
	SenderHospitalID    string `json:"senderHospitalId"`
	RecipientHospitalID string `json:"recipientHospitalId"`
	SenderName          string `json:"senderName"`
	CreatedAt           int64  `json:"createdAt"`
}
