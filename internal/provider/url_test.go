package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pair-review/pair-review/internal/store"
)

func TestParsePRInput_HostURL(t *testing.T) {
	key, err := ParsePRInput("https://github.com/acme/widget/pull/42", nil)
	require.NoError(t, err)
	assert.Equal(t, store.PRKey{Owner: "acme", Repo: "widget", Number: 42}, key)
}

func TestParsePRInput_GraphiteURL(t *testing.T) {
	key, err := ParsePRInput("https://app.graphite.dev/github/pr/acme/widget/42/add-frobnicator", nil)
	require.NoError(t, err)
	assert.Equal(t, store.PRKey{Owner: "acme", Repo: "widget", Number: 42}, key)
}

func TestParsePRInput_BareNumberWithContext(t *testing.T) {
	ctx := &store.PRKey{Owner: "acme", Repo: "widget"}

	key, err := ParsePRInput("42", ctx)
	require.NoError(t, err)
	assert.Equal(t, store.PRKey{Owner: "acme", Repo: "widget", Number: 42}, key)

	key, err = ParsePRInput("#7", ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, key.Number)
}

func TestParsePRInput_BareNumberWithoutContext(t *testing.T) {
	_, err := ParsePRInput("42", nil)
	assert.Error(t, err)
}

func TestParsePRInput_Garbage(t *testing.T) {
	for _, input := range []string{"", "not a url", "https://github.com/acme", "https://github.com/acme/widget/issues/3"} {
		_, err := ParsePRInput(input, nil)
		assert.Error(t, err, "input %q", input)
	}
}

func TestPRURL_RoundTrip(t *testing.T) {
	keys := []store.PRKey{
		{Owner: "acme", Repo: "widget", Number: 1},
		{Owner: "Some-Org", Repo: "repo.name", Number: 9999},
	}
	for _, key := range keys {
		parsed, err := ParsePRInput(PRURL(key), nil)
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}
}
