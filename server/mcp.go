package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hubenschmidt/go-docqa/qa"
	"github.com/hubenschmidt/go-docqa/server/store"
)

type listDocumentsArgs struct {
	Status string `json:"status,omitempty" jsonschema:"only return documents in this status (processing, ready, failed)"`
}

type documentSummary struct {
	ID         string               `json:"id"`
	Filename   string               `json:"filename"`
	Title      string               `json:"title,omitempty"`
	Status     store.DocumentStatus `json:"status"`
	PageCount  int                  `json:"page_count"`
	ChunkCount int                  `json:"chunk_count"`
}

type askDocumentsArgs struct {
	Question    string   `json:"question" jsonschema:"the question to answer from the documents"`
	DocumentIDs []string `json:"document_ids,omitempty" jsonschema:"restrict the question to these document ids; all ready documents when empty"`
	TopK        int      `json:"top_k,omitempty" jsonschema:"chunks retrieved per document"`
}

// NewMCPServer returns an MCP server exposing the document tools.
func (s *Server) NewMCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "docqa", Version: Version}, nil)
	s.registerMCP(srv)
	return srv
}

func (s *Server) registerMCP(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_documents",
		Description: "List uploaded documents with their processing status.",
	}, s.listDocumentsTool)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "ask_documents",
		Description: "Answer a question separately from each document, with page and paragraph citations, " +
			"then summarize the themes the documents share.",
	}, s.askDocumentsTool)
}

func (s *Server) listDocumentsTool(ctx context.Context, _ *mcp.CallToolRequest, args listDocumentsArgs) (*mcp.CallToolResult, any, error) {
	docs, err := s.documents.List(ctx)
	if err != nil {
		return toolError(err), nil, nil
	}
	out := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		if args.Status != "" && string(d.Status) != args.Status {
			continue
		}
		out = append(out, documentSummary{
			ID:         d.ID,
			Filename:   d.Filename,
			Title:      d.Title,
			Status:     d.Status,
			PageCount:  d.PageCount,
			ChunkCount: d.ChunkCount,
		})
	}
	return toolText(map[string]any{"documents": out}), nil, nil
}

func (s *Server) askDocumentsTool(ctx context.Context, _ *mcp.CallToolRequest, args askDocumentsArgs) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	res, err := s.asker.AskStream(ctx, qa.Request{
		Question:    args.Question,
		DocumentIDs: args.DocumentIDs,
		TopK:        args.TopK,
	}, nil)
	if err != nil {
		return toolError(err), nil, nil
	}
	return toolText(res), nil, nil
}

func toolText(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Errorf("marshal: %w", err))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
