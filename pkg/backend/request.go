package backend

// Tool names bound to resources in every agent-run request.
const (
	AnalystToolName = "analyst1"
	SearchToolName  = "search1"

	analystToolType = "cortex_analyst_text_to_sql"
	searchToolType  = "cortex_search"
)

type agentRequest struct {
	Model         string        `json:"model"`
	Messages      []message     `json:"messages"`
	Tools         []tool        `json:"tools"`
	ToolResources toolResources `json:"tool_resources"`
}

type message struct {
	Role    string           `json:"role"`
	Content []messageContent `json:"content"`
}

type messageContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type tool struct {
	ToolSpec toolSpec `json:"tool_spec"`
}

type toolSpec struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type toolResources struct {
	Analyst analystResource `json:"analyst1"`
	Search  searchResource  `json:"search1"`
}

type analystResource struct {
	SemanticModelFile string `json:"semantic_model_file"`
}

type searchResource struct {
	Name       string `json:"name"`
	MaxResults int    `json:"max_results"`
	IDColumn   string `json:"id_column"`
}

func (g *Gateway) buildRequest(query string, limit int) agentRequest {
	return agentRequest{
		Model: g.cfg.Model,
		Messages: []message{{
			Role:    "user",
			Content: []messageContent{{Type: "text", Text: query}},
		}},
		Tools: []tool{
			{ToolSpec: toolSpec{Type: analystToolType, Name: AnalystToolName}},
			{ToolSpec: toolSpec{Type: searchToolType, Name: SearchToolName}},
		},
		ToolResources: toolResources{
			Analyst: analystResource{SemanticModelFile: g.cfg.SemanticModelFile},
			Search: searchResource{
				Name:       g.cfg.SearchService,
				MaxResults: limit,
				IDColumn:   g.cfg.SearchIDColumn,
			},
		},
	}
}
