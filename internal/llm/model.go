// Package llm wraps langchaingo text generation with the extraction prompts
// used by the pipeline.
package llm

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jfellner/distill/internal/config"
)

// Model wraps langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	modelName string
}

// NewModel creates an LLM model based on configuration.
func NewModel(ctx context.Context, cfg config.Config) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, loadErr := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.BedrockRegion),
		)
		if loadErr != nil {
			return nil, fmt.Errorf("load aws config: %w", loadErr)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		model, err = bedrock.New(
			bedrock.WithClient(client),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Model{
		llm:       model,
		modelName: cfg.LLMModel,
	}, nil
}

// Generate generates text based on a prompt.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	response, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return response, nil
}

// GenerateWithSystem generates text with a system prompt.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	response, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate with system: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	return response.Choices[0].Content, nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// ExtractEntities extracts named entities from journal text. Returns raw model
// output; the gateway parses it into candidates.
func (m *Model) ExtractEntities(ctx context.Context, text string, existingEntities []string) (string, error) {
	entitiesStr := ""
	if len(existingEntities) > 0 {
		entitiesStr = fmt.Sprintf("\nEntities already in the graph that may be referenced:\n%s",
			strings.Join(existingEntities, "\n"))
	}

	systemPrompt := `You are a Knowledge Graph Specialist. Extract entities from the given journal text.

Entity types: person, place, organization, work, event, topic

Output a JSON array, one object per entity:
[{"name": "...", "entity_type": "...", "description": "...", "confidence": 0.0}]

Guidelines:
- Extract all meaningful entities with brief descriptions
- Use lowercase entity names with hyphens (e.g., "jane-doe", "deep-work")
- Set confidence between 0 and 1
- Reuse the exact name of an existing entity when the text refers to it
- Output ONLY the JSON array, no prose`

	userPrompt := fmt.Sprintf(`Text:
%s
%s

Extracted entities:`, text, entitiesStr)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// ExtractRelations proposes typed relations between the given entities based
// on the source text.
func (m *Model) ExtractRelations(ctx context.Context, text string, entityNames []string) (string, error) {
	systemPrompt := `You are a Knowledge Graph Specialist. Identify relationships between the listed entities, grounded in the given text.

Relation types: generalizes, specializes, causes, caused_by, builds_on, refined_by, contrasts_with, complements, relates_to

Output a JSON array, one object per relation:
[{"from": "...", "to": "...", "rel_type": "...", "explanation": "..."}]

Guidelines:
- Only relate entities from the provided list
- Every relation needs a one-sentence explanation citing the text
- Prefer the most specific relation type that fits
- Output ONLY the JSON array, no prose`

	userPrompt := fmt.Sprintf(`Text:
%s

Entities:
%s

Extracted relations:`, text, strings.Join(entityNames, "\n"))

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// ParseQuotes lifts verbatim quotes out of highlight-export text.
func (m *Model) ParseQuotes(ctx context.Context, text string) (string, error) {
	systemPrompt := `You are a careful reading assistant. Split the given highlight export into individual quotes.

Output a JSON array, one object per quote:
[{"text": "...", "source": "..."}]

Guidelines:
- Keep quote text verbatim, do not paraphrase or fix typos
- Drop page numbers, export artifacts, and location markers
- Attribute the source (book/article title) when the export names one
- Output ONLY the JSON array, no prose`

	userPrompt := fmt.Sprintf(`Export:
%s

Quotes:`, text)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// ExtractConcepts distills atomic concepts from curated quotes. Reviewer
// feedback and the previous critique, when present, steer the rewrite.
func (m *Model) ExtractConcepts(ctx context.Context, quotes []string, feedback []string, critique string) (string, error) {
	var sb strings.Builder
	for i, q := range quotes {
		fmt.Fprintf(&sb, "[q%d] %s\n", i+1, q)
	}

	extra := ""
	if len(feedback) > 0 {
		extra += fmt.Sprintf("\nReviewer feedback on the previous proposal (address every point):\n%s\n",
			strings.Join(feedback, "\n"))
	}
	if critique != "" {
		extra += fmt.Sprintf("\nIssues found in the previous draft (fix them):\n%s\n", critique)
	}

	systemPrompt := `You are a Knowledge Distillation Specialist. Turn the given quotes into atomic concepts.

Output a JSON array, one object per concept:
[{"name": "...", "summary": "...", "quote_ids": ["q1"]}]

Guidelines:
- One idea per concept; split compound ideas
- Name concepts in lowercase with hyphens (e.g., "spaced-repetition")
- Summaries are 1-3 sentences in your own words
- quote_ids lists every quote that supports the concept, by its [qN] tag
- Every quote must support at least one concept
- Output ONLY the JSON array, no prose`

	userPrompt := fmt.Sprintf(`Quotes:
%s%s

Concepts:`, sb.String(), extra)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// Critique reviews a concept proposal against its source quotes.
func (m *Model) Critique(ctx context.Context, quotes []string, proposal string) (string, error) {
	systemPrompt := `You are a strict reviewer of distilled concepts. Check the proposal against the source quotes.

Check for:
- Concepts not supported by any quote (hallucination)
- Quotes not covered by any concept
- Compound concepts that should be split
- Vague or circular summaries

Output a JSON object:
{"passed": true/false, "issues": ["..."]}

Pass only if there are no issues. Output ONLY the JSON object, no prose`

	userPrompt := fmt.Sprintf(`Quotes:
%s

Proposal:
%s

Review:`, strings.Join(quotes, "\n"), proposal)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// JudgeDuplicate decides whether a candidate concept is the same idea as an
// existing one. Used when embedding similarity alone cannot decide.
func (m *Model) JudgeDuplicate(ctx context.Context, candidateName, candidateSummary, existingName, existingSummary string) (string, error) {
	systemPrompt := `You decide whether two concept descriptions express the same idea.

Output a JSON object:
{"duplicate": true/false, "reason": "..."}

Guidelines:
- Same idea with different wording is a duplicate
- A narrower or broader version of the idea is NOT a duplicate
- Output ONLY the JSON object, no prose`

	userPrompt := fmt.Sprintf(`Candidate:
%s: %s

Existing:
%s: %s

Judgment:`, candidateName, candidateSummary, existingName, existingSummary)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// RelationSearchQueries generates one semantic search query per relation type
// for a new concept, used to pull candidate relation partners out of the graph.
func (m *Model) RelationSearchQueries(ctx context.Context, name, summary string, relationTypes []string) (string, error) {
	systemPrompt := `You are a Knowledge Graph Specialist. For the given concept, write one semantic search query per relation type. Each query should surface existing concepts that could stand in that relation to the concept.

Output a JSON object mapping relation type to query:
{"generalizes": "...", "causes": "...", ...}

Guidelines:
- Cover every relation type in the provided list, one query each
- Queries are short noun phrases describing the partner you are looking for, not the concept itself
- Output ONLY the JSON object, no prose`

	userPrompt := fmt.Sprintf(`Concept:
%s: %s

Relation types:
%s

Search queries:`, name, summary, strings.Join(relationTypes, "\n"))

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// ProposeRelations suggests typed edges between new concepts and their
// semantic neighbors in the existing graph.
func (m *Model) ProposeRelations(ctx context.Context, newConcepts []string, neighbors []string) (string, error) {
	systemPrompt := `You are a Knowledge Graph Specialist. Propose relations between the new concepts and the existing neighbors, and among the new concepts themselves.

Relation types: generalizes, specializes, causes, caused_by, builds_on, refined_by, contrasts_with, complements, relates_to

Output a JSON array:
[{"from": "...", "to": "...", "rel_type": "...", "explanation": "..."}]

Guidelines:
- Only propose relations you can justify in one sentence
- Prefer the most specific relation type; use relates_to as a last resort
- Never relate a concept to itself
- Output ONLY the JSON array, no prose`

	userPrompt := fmt.Sprintf(`New concepts:
%s

Existing neighbors:
%s

Proposed relations:`, strings.Join(newConcepts, "\n"), strings.Join(neighbors, "\n"))

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}

// ClassifyInbox proposes a destination for each captured inbox item.
func (m *Model) ClassifyInbox(ctx context.Context, items []string, destinations []string) (string, error) {
	systemPrompt := `You are a filing assistant. Assign each inbox item to the best destination from the allowed list.

Output a JSON array, one object per item:
[{"item": "...", "destination": "...", "reason": "..."}]

Guidelines:
- Only use destinations from the allowed list
- Keep item text verbatim so it can be matched back
- Give a short reason per assignment
- Output ONLY the JSON array, no prose`

	userPrompt := fmt.Sprintf(`Allowed destinations:
%s

Inbox items:
%s

Assignments:`, strings.Join(destinations, "\n"), strings.Join(items, "\n"))

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}
