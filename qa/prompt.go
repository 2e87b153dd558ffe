package qa

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const answerSystemPrompt = `You answer a question using only the numbered excerpts from a single document.
Reply with a JSON object: {"answer": string, "citations": [excerpt numbers], "relevant": boolean}.
Cite the number of every excerpt the answer relies on.
If the excerpts do not address the question, set "relevant" to false and say so briefly in "answer".`

const themeSystemPrompt = `You compare answers to the same question drawn from different documents.
Group the answers into at most %d themes: findings that one or more documents share or dispute.
Reply with a JSON object: {"themes": [{"title": string, "summary": string, "document_ids": [string]}], "synthesis": string}.
Use only the document ids given. The synthesis is a short overall answer that mentions agreements and conflicts.`

func buildAnswerPrompt(documentName, question string, chunks []scoredChunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document: %s\n\nExcerpts:\n", documentName)
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] (Page %d, Para %d)\n%s\n\n", i+1, c.record.Page, c.record.Paragraph, c.record.Content)
	}
	fmt.Fprintf(&sb, "Question: %s", question)
	return sb.String()
}

func buildThemePrompt(question string, answers []DocumentAnswer) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	for _, a := range answers {
		fmt.Fprintf(&sb, "Document id: %s\nDocument name: %s\nAnswer: %s\n\n", a.DocumentID, a.DocumentName, a.Answer)
	}
	return strings.TrimSpace(sb.String())
}

// jsonObject returns the outermost {...} of a model reply, which may be
// wrapped in a code fence or surrounded by prose.
func jsonObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

type answerReply struct {
	Answer    string `json:"answer"`
	Citations []any  `json:"citations"`
	Relevant  *bool  `json:"relevant"`
}

// parseAnswer maps a model reply onto an answer and 1-based excerpt
// numbers. Numbers outside 1..excerpts are dropped. A reply that is not
// the expected JSON becomes the answer text and cites every excerpt.
func parseAnswer(raw string, excerpts int) (answer string, cited []int, relevant bool) {
	var reply answerReply
	obj, ok := jsonObject(raw)
	if !ok || json.Unmarshal([]byte(obj), &reply) != nil {
		all := make([]int, excerpts)
		for i := range all {
			all[i] = i + 1
		}
		return strings.TrimSpace(raw), all, true
	}
	// An empty answer carries nothing to cite or group into themes.
	if strings.TrimSpace(reply.Answer) == "" {
		return NoInformationAnswer, nil, false
	}

	seen := make(map[int]bool)
	for _, c := range reply.Citations {
		n, ok := citationNumber(c)
		if !ok || n < 1 || n > excerpts || seen[n] {
			continue
		}
		seen[n] = true
		cited = append(cited, n)
	}
	sort.Ints(cited)

	relevant = true
	if reply.Relevant != nil {
		relevant = *reply.Relevant
	}
	return strings.TrimSpace(reply.Answer), cited, relevant
}

// citationNumber accepts 2, "2" and "[2]".
func citationNumber(v any) (int, bool) {
	switch c := v.(type) {
	case float64:
		if c != float64(int(c)) {
			return 0, false
		}
		return int(c), true
	case string:
		n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(c), "[]"))
		return n, err == nil
	}
	return 0, false
}

type themeReply struct {
	Themes []struct {
		Title       string   `json:"title"`
		Summary     string   `json:"summary"`
		DocumentIDs []string `json:"document_ids"`
	} `json:"themes"`
	Synthesis string `json:"synthesis"`
}

// parseThemes keeps themes backed by at least one known document, in
// reply order, up to maxThemes. Document names are accepted in place of
// ids. Unparseable replies yield no themes and the raw text as synthesis.
func parseThemes(raw string, answers []DocumentAnswer, maxThemes int) ([]Theme, string) {
	var reply themeReply
	obj, ok := jsonObject(raw)
	if !ok || json.Unmarshal([]byte(obj), &reply) != nil {
		return nil, strings.TrimSpace(raw)
	}

	known := make(map[string]string, len(answers)*2)
	for _, a := range answers {
		known[a.DocumentID] = a.DocumentID
		if _, taken := known[a.DocumentName]; !taken && a.DocumentName != "" {
			known[a.DocumentName] = a.DocumentID
		}
	}

	var themes []Theme
	for _, t := range reply.Themes {
		if maxThemes > 0 && len(themes) == maxThemes {
			break
		}
		seen := make(map[string]bool)
		var ids []string
		for _, ref := range t.DocumentIDs {
			id, ok := known[strings.TrimSpace(ref)]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		title := strings.TrimSpace(t.Title)
		if len(ids) == 0 || title == "" {
			continue
		}
		themes = append(themes, Theme{Title: title, Summary: strings.TrimSpace(t.Summary), DocumentIDs: ids})
	}
	return themes, strings.TrimSpace(reply.Synthesis)
}
