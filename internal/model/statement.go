package model

import "time"

// Sample is one statement example pair.
type Sample struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// Limits carries the judge resource limits from the statement.
type Limits struct {
	TimeMS   int `json:"time_ms"`
	MemoryMB int `json:"memory_mb"`
}

// Statement is the normalized problem statement written to
// statement.json in the workspace. Every fetch adapter converts its
// upstream format into this shape.
type Statement struct {
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	InputFormat  string   `json:"input_format,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	Samples      []Sample `json:"samples,omitempty"`
	Limits       Limits   `json:"limits"`
	Tags         []string `json:"tags,omitempty"`
	Notes        string   `json:"notes,omitempty"`

	// ImageRefs lists statement images that have no text alternative;
	// a non-empty list triggers OCR during generation.
	ImageRefs []string `json:"image_refs,omitempty"`
}

// Receipt records a completed upload, persisted to upload/receipt.json.
type Receipt struct {
	Adapter    string    `json:"adapter"`
	RealID     string    `json:"real_id"`
	URL        string    `json:"url,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}
