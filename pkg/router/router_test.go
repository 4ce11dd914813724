package router

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/embedder"
	"github.com/kadirpekel/toolgate/pkg/learning"
	"github.com/kadirpekel/toolgate/pkg/telemetry"
	"github.com/kadirpekel/toolgate/pkg/vector"
	"github.com/kadirpekel/toolgate/pkg/zoo"
)

func newTestZoo(t *testing.T) *zoo.Zoo {
	t.Helper()

	emb := embedder.NewLocalEmbedder(128)
	store, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	z := zoo.New(emb, store, zoo.Options{Collection: "router-test"})
	require.NoError(t, z.Register(context.Background(), sampleTools()...))
	return z
}

func sampleTools() []*zoo.Tool {
	return []*zoo.Tool{
		{
			Name:        "send",
			ServerID:    "email",
			Description: "Send an email message to a recipient",
			Tags:        []string{"email", "communication"},
			Domain:      "communication",
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

func userTurn(text string) []Message {
	return []Message{{Role: "user", Content: text}}
}

func slateIDs(s *Slate) []string {
	ids := make([]string, len(s.Tools))
	for i, tool := range s.Tools {
		ids[i] = tool.ID
	}
	return ids
}

func TestRouteEmailQuerySelectsEmailTool(t *testing.T) {
	r := New(Options{Zoo: newTestZoo(t)})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email to my boss"),
	})

	assert.LessOrEqual(t, len(slate.Tools), r.cfg.MaxTools)
	hasEmail := false
	for _, id := range slateIDs(slate) {
		if strings.HasPrefix(id, "email.") {
			hasEmail = true
		}
	}
	assert.True(t, hasEmail, "slate %v must include an email tool", slateIDs(slate))
}

func TestRoutePullRequestQuerySelectsCreatePR(t *testing.T) {
	r := New(Options{Zoo: newTestZoo(t)})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("Create a pull request for the feature branch"),
	})

	assert.True(t, slate.Contains("github.create_pr"), "slate %v", slateIDs(slate))
}

func TestRouteHybridTopThreeSelectsCalendar(t *testing.T) {
	r := New(Options{
		Zoo: newTestZoo(t),
		Config: config.RouterConfig{
			Mode:     config.SearchModeHybrid,
			MaxTools: 3,
			MinTools: 3,
		},
	})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("schedule meeting tomorrow"),
	})

	assert.Len(t, slate.Tools, 3)
	assert.True(t, slate.Contains("calendar.create_event"), "slate %v", slateIDs(slate))
}

func TestRouteInvariants(t *testing.T) {
	r := New(Options{
		Zoo: newTestZoo(t),
		Config: config.RouterConfig{
			MaxTools:     4,
			MinTools:     2,
			MaxPerServer: 1,
		},
	})

	for _, query := range []string{
		"Send an email to my boss",
		"Create a pull request for the feature branch",
		"charge the customer and schedule a follow up meeting",
	} {
		slate := r.Route(context.Background(), Request{
			SessionID: "s1",
			Messages:  userTurn(query),
		})

		assert.GreaterOrEqual(t, len(slate.Tools), 2, "query %q", query)
		assert.LessOrEqual(t, len(slate.Tools), 4, "query %q", query)

		tokens := 0
		perServer := make(map[string]int)
		for _, tool := range slate.Tools {
			tokens += tool.SchemaTokens
			perServer[tool.ServerID]++
		}
		assert.LessOrEqual(t, tokens, 4000, "query %q", query)
		for server, n := range perServer {
			assert.LessOrEqual(t, n, 1, "query %q server %s", query, server)
		}
	}
}

func TestRouteTokenBudget(t *testing.T) {
	emb := embedder.NewLocalEmbedder(128)
	store, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	z := zoo.New(emb, store, zoo.Options{Collection: "router-budget"})

	tools := sampleTools()
	for _, tool := range tools {
		tool.SchemaTokens = 200
	}
	require.NoError(t, z.Register(context.Background(), tools...))

	r := New(Options{
		Zoo: z,
		Config: config.RouterConfig{
			MaxTools:         10,
			MinTools:         1,
			MaxContextTokens: 250,
		},
	})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email to my boss"),
	})

	// Only one 200-token schema fits under a 250-token budget.
	assert.Len(t, slate.Tools, 1)
	assert.LessOrEqual(t, slate.TokensUsed, 250)
}

func TestRouteEmptyContextServesFallbackTools(t *testing.T) {
	r := New(Options{
		Zoo: newTestZoo(t),
		Config: config.RouterConfig{
			MinTools:      3,
			FallbackTools: []string{"email.send", "email.read", "calendar.create_event"},
		},
	})

	slate := r.Route(context.Background(), Request{SessionID: "s1"})

	assert.ElementsMatch(t,
		[]string{"email.send", "email.read", "calendar.create_event"},
		slateIDs(slate))
	for _, c := range slate.Candidates {
		assert.True(t, c.Fallback)
		assert.InDelta(t, fallbackScore, c.Final, 1e-9)
	}
}

func TestRouteEmptyContextTopsUpToMinTools(t *testing.T) {
	r := New(Options{
		Zoo: newTestZoo(t),
		Config: config.RouterConfig{
			MinTools:      3,
			FallbackTools: []string{"email.send"},
		},
	})

	slate := r.Route(context.Background(), Request{SessionID: "s1"})

	assert.Len(t, slate.Tools, 3)
	assert.Equal(t, "email.send", slate.Tools[0].ID)
}

func TestRouteDeterministicWithoutExploration(t *testing.T) {
	r := New(Options{Zoo: newTestZoo(t)})
	req := Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email to my boss"),
	}

	first := r.Route(context.Background(), req)
	second := r.Route(context.Background(), req)

	assert.Equal(t, slateIDs(first), slateIDs(second))
	assert.False(t, first.Explored)
}

func TestRouteSessionUsageBoost(t *testing.T) {
	r := New(Options{Zoo: newTestZoo(t)})
	query := userTurn("charge the customer for the invoice")

	baseline := r.Route(context.Background(), Request{SessionID: "s1", Messages: query})
	boosted := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  query,
		ToolUses:  map[string]int{"stripe.charge": 10},
	})

	base := baseline.Candidate("stripe.charge")
	require.NotNil(t, base)
	after := boosted.Candidate("stripe.charge")
	require.NotNil(t, after)

	// 10 prior uses hit the cap.
	assert.InDelta(t, base.Final+sessionUseCap, after.Final, 1e-9)
}

func TestRouteCooccurrenceBoost(t *testing.T) {
	z := newTestZoo(t)
	require.NoError(t, z.Register(context.Background(), &zoo.Tool{
		Name:        "send_message",
		ServerID:    "slack",
		Description: "Send a message to a Slack channel",
		Tags:        []string{"slack", "communication"},
		Domain:      "communication",
	}))

	r := New(Options{Zoo: z, Config: config.RouterConfig{MaxTools: 10}})
	req := Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email update to the team"),
	}

	before := r.Route(context.Background(), req)
	require.True(t, before.Contains("email.send"))
	require.True(t, before.Contains("slack.send_message"))

	for i := 0; i < 5; i++ {
		r.RecordUsage(before, []string{"email.send", "slack.send_message"})
	}

	after := r.Route(context.Background(), req)
	c := after.Candidate("slack.send_message")
	require.NotNil(t, c)
	assert.InDelta(t, 5.0/8.0, c.Cooccurrence, 1e-9)
	assert.Greater(t, c.Final, before.Candidate("slack.send_message").Final)
	assert.True(t, after.Contains("slack.send_message"))
}

func TestRecordUsageIgnoresToolsOffSlate(t *testing.T) {
	r := New(Options{Zoo: newTestZoo(t)})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email to my boss"),
	})
	require.True(t, slate.Contains("email.send"))

	r.RecordUsage(slate, []string{"email.send", "not.on_slate"})

	assert.Zero(t, r.cooccur.boost("email.send", []string{"not.on_slate"}))
}

func TestRouteBaselineSkipsLearnedComponents(t *testing.T) {
	bias := learning.NewBiasStore(learning.BiasOptions{LearningRate: 1, MaxBias: 0.2})
	for i := 0; i < 10; i++ {
		bias.Update("email.send", 1, nil)
	}

	z := newTestZoo(t)
	req := Request{SessionID: "s1", Messages: userTurn("Send an email to my boss")}

	baseline := New(Options{
		Zoo:    z,
		Bias:   bias,
		Config: config.RouterConfig{Strategy: "baseline"},
	})
	slate := baseline.Route(context.Background(), req)
	c := slate.Candidate("email.send")
	require.NotNil(t, c)
	assert.Zero(t, c.Bias)
	assert.Zero(t, c.Bandit)

	sota := New(Options{Zoo: z, Bias: bias})
	slate = sota.Route(context.Background(), req)
	c = slate.Candidate("email.send")
	require.NotNil(t, c)
	assert.Greater(t, c.Bias, 0.0)
	assert.InDelta(t, c.Adjusted+c.Bias, c.Final, 1e-9)
}

func TestRouteExplorationFlagsSlate(t *testing.T) {
	bandit := learning.NewBandit(learning.BanditOptions{
		FeatureDim:      7,
		ExplorationRate: 1.0,
		Seed:            42,
	})

	r := New(Options{Zoo: newTestZoo(t), Bandit: bandit})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email to my boss"),
	})

	assert.True(t, slate.Explored)
	c := slate.Candidate("email.send")
	require.NotNil(t, c)
	assert.Greater(t, c.Bandit, 0.0)
}

func TestRouteUsesToolStats(t *testing.T) {
	r := New(Options{
		Zoo:   newTestZoo(t),
		Stats: stubStats{"email.send": {RollingSuccessRate: 0.9, AvgLatencyMs: 3000}},
	})

	slate := r.Route(context.Background(), Request{
		SessionID: "s1",
		Messages:  userTurn("Send an email to my boss"),
	})

	c := slate.Candidate("email.send")
	require.NotNil(t, c)
	assert.InDelta(t, 0.9, c.RollingSuccessRate, 1e-9)
	assert.InDelta(t, 1-3000.0/featureLatencyCapMs, c.LatencyScore, 1e-9)
}

func TestBuildQueryTruncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	query := BuildQuery([]Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: "ok"},
	})

	assert.Len(t, query, queryMaxChars)
	assert.True(t, strings.HasPrefix(query, "user: "))

	assert.Empty(t, BuildQuery(nil))
	assert.Empty(t, BuildQuery([]Message{{Role: "user"}}))
}

// stubStats serves canned stats, defaulting unseen tools to the
// smoothed prior like the telemetry store does.
type stubStats map[string]*telemetry.ToolStats

func (s stubStats) GetToolStats(_ context.Context, toolID string) (*telemetry.ToolStats, error) {
	if stats, ok := s[toolID]; ok {
		return stats, nil
	}
	return &telemetry.ToolStats{RollingSuccessRate: 0.5}, nil
}
