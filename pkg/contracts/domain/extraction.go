package domain

import (
	"time"
)

// ExtractionRequest is the body of POST /api/extract/{category}.
type ExtractionRequest struct {
	Identity string `json:"identity" validate:"required,min=3"`
	Text     string `json:"text" validate:"required"`
}

// ExtractionMatch is one pattern hit inside the submitted text.
type ExtractionMatch struct {
	Category   string  `json:"category"`
	Pattern    int     `json:"pattern"`
	Value      string  `json:"value"`
	Offset     int     `json:"offset"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the success body of the extraction endpoints.
// Watermark ties the output to the session that produced it.
type ExtractionResult struct {
	Identity    string            `json:"identity"`
	Category    string            `json:"category"`
	Matches     []ExtractionMatch `json:"matches"`
	Watermark   string            `json:"watermark"`
	ProcessedAt time.Time         `json:"processed_at"`
}

// PromptResult is the success body of GET /api/extract/prompt/{identity}/{type}.
type PromptResult struct {
	Identity   string `json:"identity"`
	PromptType string `json:"prompt_type"`
	Prompt     string `json:"prompt"`
	Watermark  string `json:"watermark"`
}
