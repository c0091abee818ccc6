package llm_dispatch

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

const (
	contextWordLimit = 2000

	defaultSystemPrompt = "Write a short answer for the user's query based on the provided context. " +
		"If the context provides insufficient information, mention it but answer to " +
		"the best of your abilities."

	defaultTaskPrompt = "Given this context, "
)

func referenceLabel(ref Reference) string {
	switch strings.ToLower(filepath.Ext(ref.Source)) {
	case ".pdf", ".docx", ".csv":
		return fmt.Sprintf(`(From file "%s")`, ref.Source)
	default:
		return "(From a webpage)"
	}
}

func buildContext(refs []Reference, reverse bool) string {
	texts := make([]string, 0, len(refs))
	for _, ref := range refs {
		texts = append(texts, referenceLabel(ref)+" "+ref.Text)
	}
	// Most relevant reference last.
	if reverse {
		slices.Reverse(texts)
	}

	context := strings.Join(texts, "\n\n")

	words := strings.Fields(context)
	if len(words) > contextWordLimit {
		context = strings.Join(words[:contextWordLimit], " ")
	}
	return context
}

// makePrompt returns the system and user prompts for a request.
func makePrompt(req *GenerateRequest, reverseRefs bool) (string, string) {
	taskPrompt := defaultTaskPrompt
	if req.TaskPrompt != "" {
		taskPrompt = req.TaskPrompt
	}

	if len(req.References) == 0 {
		return defaultSystemPrompt, fmt.Sprintf("%s %s", taskPrompt, req.Query)
	}

	context := buildContext(req.References, reverseRefs)
	return defaultSystemPrompt, fmt.Sprintf("%s\n\n %s %s", context, taskPrompt, req.Query)
}
