package zoo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolgate/pkg/embedder"
	"github.com/kadirpekel/toolgate/pkg/vector"
)

func newTestZoo(t *testing.T) *Zoo {
	t.Helper()

	emb := embedder.NewLocalEmbedder(128)
	store, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	return New(emb, store, Options{Collection: "tools-test"})
}

func sampleTools() []*Tool {
	return []*Tool{
		{
			Name:        "send",
			ServerID:    "email",
			Description: "Send an email message to a recipient",
			Tags:        []string{"email", "communication"},
			Domain:      "communication",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":      map[string]any{"type": "string"},
					"subject": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "read",
			ServerID:    "email",
			Description: "Read recent email messages from the inbox",
			Tags:        []string{"email"},
			Domain:      "communication",
		},
		{
			Name:        "create_pr",
			ServerID:    "github",
			Description: "Create a pull request on a repository branch",
			Tags:        []string{"github", "code"},
			Domain:      "development",
		},
		{
			Name:        "charge",
			ServerID:    "stripe",
			Description: "Charge a payment card",
			Tags:        []string{"payments"},
			Domain:      "finance",
		},
		{
			Name:        "create_event",
			ServerID:    "calendar",
			Description: "Create a calendar event or schedule a meeting",
			Tags:        []string{"calendar", "scheduling"},
			Domain:      "productivity",
		},
	}
}

func TestRegisterAssignsIDsAndTokens(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()

	require.NoError(t, z.Register(ctx, sampleTools()...))

	tool, ok := z.Get("email.send")
	require.True(t, ok)
	assert.Equal(t, "send", tool.Name)
	assert.Equal(t, "email", tool.ServerID)
	assert.Greater(t, tool.SchemaTokens, 0)
}

func TestRegisterIdempotent(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()

	require.NoError(t, z.Register(ctx, sampleTools()...))
	before := z.Count()

	require.NoError(t, z.Register(ctx, sampleTools()...))
	assert.Equal(t, before, z.Count())
}

func TestSemanticSearchFindsEmailTools(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()
	require.NoError(t, z.Register(ctx, sampleTools()...))

	matches, err := z.SemanticSearch(ctx, "send an email to my boss", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	ids := matchIDs(matches)
	assert.Contains(t, ids, "email.send")

	// Sorted descending
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestSemanticSearchDomainFilter(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()
	require.NoError(t, z.Register(ctx, sampleTools()...))

	matches, err := z.SemanticSearch(ctx, "create something", 5, &Filter{Domain: "development"})
	require.NoError(t, err)

	for _, m := range matches {
		assert.Equal(t, "development", m.Tool.Domain)
	}
}

func TestKeywordSearchScoresByTokenFraction(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()
	require.NoError(t, z.Register(ctx, sampleTools()...))

	matches := z.KeywordSearch("create pull request", 5)
	require.NotEmpty(t, matches)
	assert.Equal(t, "github.create_pr", matches[0].Tool.ID)

	// "create", "pull", "request" all match -> 3/3
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestHybridSearchSchedulesMeeting(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()
	require.NoError(t, z.Register(ctx, sampleTools()...))

	matches, err := z.HybridSearch(ctx, "schedule meeting tomorrow", 3, DefaultSemanticWeight, DefaultKeywordWeight, nil)
	require.NoError(t, err)

	assert.Contains(t, matchIDs(matches), "calendar.create_event")
	assert.LessOrEqual(t, len(matches), 3)
}

func TestRemovePurgesBothIndexes(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()
	require.NoError(t, z.Register(ctx, sampleTools()...))

	require.NoError(t, z.Remove(ctx, "stripe.charge"))

	_, ok := z.Get("stripe.charge")
	assert.False(t, ok)

	matches := z.KeywordSearch("charge payment card", 5)
	assert.NotContains(t, matchIDs(matches), "stripe.charge")

	semantic, err := z.SemanticSearch(ctx, "charge a payment card", 5, nil)
	require.NoError(t, err)
	assert.NotContains(t, matchIDs(semantic), "stripe.charge")
}

func TestGetByServer(t *testing.T) {
	z := newTestZoo(t)
	ctx := context.Background()
	require.NoError(t, z.Register(ctx, sampleTools()...))

	emailTools := z.GetByServer("email")
	require.Len(t, emailTools, 2)
	assert.Equal(t, "email.read", emailTools[0].ID)
	assert.Equal(t, "email.send", emailTools[1].ID)
}

func TestEmbeddingDeterminism(t *testing.T) {
	emb := embedder.NewLocalEmbedder(128)
	ctx := context.Background()

	a, err := emb.Embed(ctx, "send an email")
	require.NoError(t, err)
	b, err := emb.Embed(ctx, "send an email")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestTokenizeDropsStopwordsAndShortWords(t *testing.T) {
	toks := Tokenize("Send the email to my boss and CC them")
	assert.Contains(t, toks, "send")
	assert.Contains(t, toks, "email")
	assert.Contains(t, toks, "boss")
	assert.NotContains(t, toks, "the")
	assert.NotContains(t, toks, "and")
	assert.NotContains(t, toks, "to")
	assert.NotContains(t, toks, "my")
	assert.NotContains(t, toks, "cc")
}

func TestRichDescriptionIncludesParameters(t *testing.T) {
	tool := sampleTools()[0]
	rich := tool.RichDescription()

	assert.Contains(t, rich, "Send an email")
	assert.Contains(t, rich, "communication")
	assert.Contains(t, rich, "subject")
	assert.Contains(t, rich, "body")
}

func matchIDs(matches []Match) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Tool.ID
	}
	return ids
}
