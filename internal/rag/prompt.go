package rag

import (
	"fmt"
	"strings"

	"townbrain/backend/internal/index"
)

const noContextNotice = "No relevant local information found in the knowledge base."

func buildSystemPrompt(p Project) string {
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}

	return fmt.Sprintf(`You are %s, an AI assistant for %s.

Your role is to help residents and community members with:
- Information about local government and services
- Answers about town procedures and policies
- Local news and community events
- Directions to resources and departments

IMPORTANT GUIDELINES:
- Always base answers on the provided context from local sources
- Cite your sources when providing factual information
- If you don't have enough information, admit it and suggest where to find it
- Be helpful, accurate, and community-focused
- Encourage civic engagement and participation

When answering:
1. Use the context provided to you from local sources
2. Cite which source you're referencing
3. If context is insufficient, say so clearly
4. Direct people to official departments for legal/official matters`, p.Name, p.Municipality)
}

func formatContext(hits []index.Hit) string {
	if len(hits) == 0 {
		return noContextNotice
	}

	var parts []string
	for i, h := range hits {
		parts = append(parts, fmt.Sprintf(
			"[Source %d: %s - %s]\nURL: %s\nContent: %s\n",
			i+1, h.Chunk.Title, h.Chunk.SourceType, h.Chunk.URL, h.Chunk.Text,
		))
	}
	return strings.Join(parts, "\n")
}

func buildUserPrompt(municipality, question string, hits []index.Hit) string {
	return fmt.Sprintf(`Context from %s sources:

%s

User Question: %s

Please provide a helpful answer based on the context above. If you reference specific information, mention which source it comes from.`,
		municipality, formatContext(hits), question)
}
