package llm_dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferenceLabels(t *testing.T) {
	assert.Equal(t, `(From file "report.PDF")`, referenceLabel(Reference{Source: "report.PDF"}))
	assert.Equal(t, `(From file "/data/notes.docx")`, referenceLabel(Reference{Source: "/data/notes.docx"}))
	assert.Equal(t, `(From file "table.csv")`, referenceLabel(Reference{Source: "table.csv"}))
	assert.Equal(t, "(From a webpage)", referenceLabel(Reference{Source: "https://example.com/page"}))
	assert.Equal(t, "(From a webpage)", referenceLabel(Reference{}))
}

func TestMakePrompt(t *testing.T) {
	system, user := makePrompt(&GenerateRequest{Query: "why?"}, false)
	assert.Equal(t, defaultSystemPrompt, system)
	assert.Equal(t, "Given this context,  why?", user)

	_, user = makePrompt(&GenerateRequest{
		Query:      "why?",
		TaskPrompt: "Summarize.",
		References: []Reference{{Text: "a", Source: "x.pdf"}, {Text: "b"}},
	}, false)
	assert.Equal(t, "(From file \"x.pdf\") a\n\n(From a webpage) b\n\n Summarize. why?", user)
}

func TestContextWordLimit(t *testing.T) {
	long := strings.Repeat("word ", 3*contextWordLimit)
	context := buildContext([]Reference{{Text: long}}, false)

	words := strings.Fields(context)
	assert.Len(t, words, contextWordLimit)
	assert.Equal(t, "(From", words[0])
}
