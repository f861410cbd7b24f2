package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pair-review/pair-review/internal/store"
)

func intp(n int) *int { return &n }

func suggestion(file string, start, end *int) store.Suggestion {
	return store.Suggestion{
		File: file, LineStart: start, LineEnd: end,
		Side: store.SideNew, Type: store.TypeBug,
		Title: "title", Description: "desc", Confidence: 0.7,
	}
}

func TestValidateLines_Total(t *testing.T) {
	input := []store.Suggestion{
		suggestion("a.js", intp(1), intp(2)),
		suggestion("a.js", intp(999), intp(999)),
		suggestion("b.js", nil, nil),
		suggestion("missing.js", intp(5), intp(5)),
	}
	counts := map[string]int{"a.js": 10}

	res := ValidateLines(input, counts, true)
	assert.Equal(t, len(input), len(res.Valid)+len(res.Converted)+len(res.Dropped))
}

func TestValidateLines_NilRangeIsFileLevel(t *testing.T) {
	res := ValidateLines([]store.Suggestion{suggestion("a.js", nil, nil)}, map[string]int{"a.js": 10}, true)
	require.Len(t, res.Valid, 1)
	assert.True(t, res.Valid[0].IsFileLevel)
}

func TestValidateLines_UnknownAndUnreadableFilesPassThrough(t *testing.T) {
	input := []store.Suggestion{
		suggestion("outside-diff.js", intp(40), intp(41)),
		suggestion("unreadable.js", intp(1), intp(1)),
	}
	res := ValidateLines(input, map[string]int{"unreadable.js": -1}, true)
	assert.Len(t, res.Valid, 2)
	assert.Empty(t, res.Converted)
}

func TestValidateLines_BeyondEOFConvertsPreservingFields(t *testing.T) {
	sg := suggestion("a.js", intp(999), intp(999))
	sg.SuggestionText = "fix it like this"
	sg.Reasoning = []string{"because"}

	res := ValidateLines([]store.Suggestion{sg}, map[string]int{"a.js": 10}, true)
	require.Len(t, res.Converted, 1)

	got := res.Converted[0]
	assert.Nil(t, got.LineStart)
	assert.Nil(t, got.LineEnd)
	assert.True(t, got.IsFileLevel)
	assert.Equal(t, sg.Title, got.Title)
	assert.Equal(t, sg.Type, got.Type)
	assert.Equal(t, sg.Description, got.Description)
	assert.Equal(t, sg.Confidence, got.Confidence)
	assert.Equal(t, sg.SuggestionText, got.SuggestionText)
	assert.Equal(t, sg.Reasoning, got.Reasoning)
}

func TestValidateLines_EmptyFileLineOneConverts(t *testing.T) {
	res := ValidateLines([]store.Suggestion{suggestion("empty.js", intp(1), intp(1))}, map[string]int{"empty.js": 0}, true)
	assert.Len(t, res.Converted, 1)
}

func TestValidateLines_DropPolicy(t *testing.T) {
	input := []store.Suggestion{
		suggestion("a.js", intp(0), intp(2)),
		suggestion("a.js", intp(5), intp(3)),
	}
	res := ValidateLines(input, map[string]int{"a.js": 10}, false)
	assert.Empty(t, res.Converted)
	assert.Len(t, res.Dropped, 2)
}
