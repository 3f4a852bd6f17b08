package planner

import (
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/precious112/prism_ai/worker/internal/llm"
)

// Section is one part of a research report
type Section struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ResearchPlan is the ordered outline of a report
type ResearchPlan struct {
	Sections []Section `json:"sections"`
}

// PlanSchema constrains structured generation to the ResearchPlan shape
var PlanSchema = llm.Schema{
	Name:        "research_plan",
	Description: "Ordered sections of a research report",
	Definition: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"sections": {
				Type:        jsonschema.Array,
				Description: "Report sections in reading order",
				Items: &jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"title": {
							Type:        jsonschema.String,
							Description: "Short section heading",
						},
						"description": {
							Type:        jsonschema.String,
							Description: "What the section should cover",
						},
					},
					Required:             []string{"title", "description"},
					AdditionalProperties: false,
				},
			},
		},
		Required:             []string{"sections"},
		AdditionalProperties: false,
	},
}
