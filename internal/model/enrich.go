package model

import "time"

type FetchMechanism int

const (
	Curl FetchMechanism = iota
	HeadlessBrowser
)

func (fm FetchMechanism) String() string {
	return [...]string{"curl", "headless browser"}[fm]
}

// EnrichTask is a single organization record read from the input topic.
// Force skips the cache and re-runs the lookup even for a fresh entry.
type EnrichTask struct {
	OrgID    string `json:"org_id"`
	Name     string `json:"name"`
	Province string `json:"province,omitempty"`
	Website  string `json:"website,omitempty"`
	Force    bool   `json:"force"`
}

// Finding is the merged evidence collected for one organization. Attributes
// are keyed by "<source>.<field>" so records from different sources never
// collide.
type Finding struct {
	Subject        string            `json:"subject"`
	SourceName     string            `json:"source_name"`
	SourceURL      string            `json:"source_url"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	RawPayload     string            `json:"raw_payload,omitempty"`
	StatusCode     int               `json:"status_code"`
	FetchMechanism string            `json:"fetch_mechanism"`
	TimeToLookup   int64             `json:"time_to_lookup"` // in milliseconds
	FetchedAt      time.Time         `json:"fetched_at"`
}

// EnrichedRecord is the message written to the output topic, one per task.
type EnrichedRecord struct {
	OrgID               string   `json:"org_id"`
	Name                string   `json:"name"`
	Province            string   `json:"province,omitempty"`
	Status              string   `json:"status"`
	Finding             *Finding `json:"finding,omitempty"`
	FromCache           bool     `json:"from_cache"`
	Retries             int      `json:"retries"`
	TimeToEnrich        int64    `json:"time_to_enrich"` // in milliseconds
	EnrichWorkerVersion string   `json:"enrich_worker_version"`
}
