package usecase

import (
	"encoding/json"
	"fmt"

	"relay-ai/internal/domain"
)

// CreateFileToolName is the only tool the engine offers the model.
const CreateFileToolName = "create_file"

const toolExplanation = "The AI requested to run a tool."

var createFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "File text content to write."},
    "path": {"type": "string", "description": "Optional relative path under the outputs directory. If omitted, the server chooses a safe default filename."}
  },
  "required": ["content"]
}`)

// CreateFileTool describes the file creation tool to the model.
func CreateFileTool() domain.ToolSchema {
	return domain.ToolSchema{
		Name: CreateFileToolName,
		Description: "Create a text file in the workspace outputs directory. Prefer .txt or .md. " +
			"Use 'path' only when a specific relative subpath is important. Content must be UTF-8 text.",
		Parameters: createFileSchema,
	}
}

// denialInstruction tells the model to acknowledge a refused tool call.
func denialInstruction(tool, path string) string {
	target := "to create a file"
	if path != "" {
		target = fmt.Sprintf("to create the file %q", path)
	}
	return fmt.Sprintf("Explain briefly that you asked to use the tool %q %s, but the user did not approve the request. "+
		"Do not retry the action or ask again; just acknowledge the refusal.", tool, target)
}

// generationPrompt asks the model for nothing but the file body.
func generationPrompt(userText string) string {
	return "Generate ONLY the raw content of the requested file. No explanations, just the text or markdown. " +
		"User request: " + userText
}
