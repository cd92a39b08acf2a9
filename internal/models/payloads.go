package models

// These structs define the JSON payloads exchanged with the trigger function
// and the downstream workflow.

// TriggerRequest is the optional body of the message that starts a run.
// Empty fields fall back to the loaded configuration.
type TriggerRequest struct {
	Query      string `json:"query,omitempty"`
	DateFrom   string `json:"dateFrom,omitempty"`
	DateTo     string `json:"dateTo,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
	Quota      int    `json:"quota,omitempty"`
}

// CorpusReady is handed to the downstream workflow once a corpus is written.
type CorpusReady struct {
	RunID         string `json:"runId"`
	CorpusURI     string `json:"corpusUri"`
	DocumentCount int    `json:"documentCount"`
}

// RunSummary is the outcome of one pipeline run.
type RunSummary struct {
	RunID        string         `json:"runId"`
	Discovered   int            `json:"discovered"`
	StatusCounts map[Status]int `json:"statusCounts"`
	QuotaReached bool           `json:"quotaReached"`
	NotAttempted []string       `json:"notAttempted,omitempty"`
	Rejected     []string       `json:"rejected,omitempty"`
	CorpusURI    string         `json:"corpusUri,omitempty"`
	CorpusSize   int            `json:"corpusSize"`
	HandoffError string         `json:"handoffError,omitempty"`
}
