package research

const schemaPreamble = `Return the JSON object directly without any formatting or additional text. The JSON object should have the following structure as defined in the schema. Make sure to answer in valid json and include all necessary properties:`

const plannerPrompt = `You are a research planner.
Generate %d specific, non-overlapping web search queries that together cover the research topic.
For each query state the goal: what the results should tell us.`

func plannerSchema() string {
	return schemaPreamble + `{
  "type": "object",
  "properties": {
    "queries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "query": {"type": "string"},
          "goal": {"type": "string"}
        },
        "required": ["query"]
      },
      "description": "List of specific search queries"
    }
  },
  "required": ["queries"]
}`
}

const distillPrompt = `You are a research analyst.
Read the document and extract the facts that are relevant to the research topic.
Each learning must be a single concise, self-contained statement with concrete details (names, numbers, dates) where the document gives them.
If nothing in the document is relevant, return an empty list.`

func distillSchema() string {
	return schemaPreamble + `{
  "type": "object",
  "properties": {
    "learnings": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Distilled facts relevant to the topic, at most 5"
    }
  },
  "required": ["learnings"]
}`
}

const evaluatePrompt = `You are a research manager.
Review the learnings gathered so far and decide whether they are sufficient to write a comprehensive report on the topic.
If they are not, describe the knowledge gap and propose at most %d new search queries that would close it.
Each query should build on a specific learning; name it in based_on.`

func evaluateSchema() string {
	return schemaPreamble + `{
  "type": "object",
  "properties": {
    "is_sufficient": {"type": "boolean"},
    "knowledge_gap": {"type": "string"},
    "follow_up_queries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "query": {"type": "string"},
          "based_on": {"type": "string"}
        },
        "required": ["query"]
      }
    }
  },
  "required": ["is_sufficient", "follow_up_queries"]
}`
}

const reportPrompt = `You are a research writer.
Write a comprehensive research report in Markdown using only the learnings provided.
Structure it with Introduction, Key Findings, Discussion and Conclusion.
Cite sources inline by their URL where a learning names one.`
