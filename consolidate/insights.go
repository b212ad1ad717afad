package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/cortex/memory"
)

const (
	extractTemperature = 0.1
	extractMaxTokens   = 2000
)

const extractPromptTemplate = `Analyze these agent interactions and extract structured knowledge.

%s

Extract:
1. Key entities (files, concepts, errors, decisions, patterns)
2. Relationships between entities
3. Important insights or lessons learned

Return as JSON with this schema:
{
  "entities": [
    {
      "name": "entity name",
      "type": "file|concept|error|decision|pattern",
      "description": "what this entity represents",
      "importance": 0.0-1.0
    }
  ],
  "relations": [
    {
      "source": "entity name",
      "type": "uses|fixes|implements|related_to|causes|prevents",
      "target": "entity name",
      "strength": 0.0-1.0
    }
  ]
}

Focus on:
- Files that were created, modified, or discussed
- Errors that occurred and how they were resolved
- Decisions made and their rationale
- Patterns or best practices identified
- Concepts or techniques used

Only extract meaningful, non-trivial knowledge.`

// extraction is the document shape the model is asked to return.
type extraction struct {
	Entities []struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
	} `json:"entities"`
	Relations []struct {
		Source   string   `json:"source"`
		Type     string   `json:"type"`
		Target   string   `json:"target"`
		Strength *float64 `json:"strength"`
	} `json:"relations"`
}

// extractInsights asks the model for the entities and relations latent in a
// cluster. A parse failure yields an empty extraction, not an error: one
// bad response must not abort the cycle.
func (c *Consolidator) extractInsights(ctx context.Context, cluster []memory.Episode) ([]memory.SemanticNode, []memory.Relation, error) {
	prompt := fmt.Sprintf(extractPromptTemplate, formatCluster(cluster))
	response, err := c.generator.Generate(ctx, extractionRequest(prompt))
	if err != nil {
		return nil, nil, fmt.Errorf("extract insights: %w", err)
	}
	var data extraction
	if err := json.Unmarshal([]byte(jsonBody(response)), &data); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "unparseable extraction response"}, log.KV{K: "err", V: err.Error()})
		return nil, nil, nil
	}

	sources := make([]string, len(cluster))
	for i, ep := range cluster {
		sources[i] = ep.ID
	}
	now := time.Now()

	nodes := make([]memory.SemanticNode, 0, len(data.Entities))
	for _, e := range data.Entities {
		typ := memory.NodeType(e.Type)
		if !typ.Valid() {
			typ = memory.NodeConcept
		}
		node := memory.SemanticNode{
			Name:        e.Name,
			Type:        typ,
			Description: e.Description,
			Importance:  clamp01(e.Importance),
			Sources:     sources,
			CreatedAt:   now,
			LastUpdated: now,
		}
		if c.embedder != nil {
			if vec, err := c.embedder.Embed(ctx, e.Name+" "+e.Description); err == nil {
				node.Embedding = vec
			}
		}
		nodes = append(nodes, node)
	}

	relations := make([]memory.Relation, 0, len(data.Relations))
	for _, r := range data.Relations {
		strength := 1.0
		if r.Strength != nil {
			strength = clamp01(*r.Strength)
		}
		relations = append(relations, memory.Relation{
			Source:    r.Source,
			Type:      r.Type,
			Target:    r.Target,
			Strength:  strength,
			ValidFrom: now,
		})
	}
	return nodes, relations, nil
}

func formatCluster(cluster []memory.Episode) string {
	var sb strings.Builder
	for i, ep := range cluster {
		fmt.Fprintf(&sb, "[Step %d] %s:\n%s", ep.StepNumber, ep.Role, ep.Content)
		if i < len(cluster)-1 {
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// jsonBody strips a markdown code fence if the model wrapped its JSON in
// one.
func jsonBody(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
