package server

import (
	"github.com/hubenschmidt/go-docqa/qa"
	"github.com/hubenschmidt/go-docqa/server/store"
)

type ModelInfo struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Model   string  `json:"model"`
	Role    string  `json:"role,omitempty"`
	APIBase *string `json:"api_base,omitempty"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// Re-export types from the store and qa packages
type (
	Document       = store.Document
	QueryRecord    = store.QueryRecord
	MetricsSummary = store.MetricsSummary
	QueryRequest   = qa.Request
)

// UploadResult reports the outcome for one file of a multipart upload.
type UploadResult struct {
	Filename string    `json:"filename"`
	Status   int       `json:"status"`
	Document *Document `json:"document,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type UploadResponse struct {
	Results []UploadResult `json:"results"`
}

type DocumentListResponse struct {
	Documents []Document `json:"documents"`
}

type QueryListResponse struct {
	Queries []QueryRecord `json:"queries"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
