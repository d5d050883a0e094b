package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/personality"
	"github.com/scrypster/digime/internal/policy"
	"github.com/scrypster/digime/internal/relationships"
	"github.com/scrypster/digime/pkg/types"
)

// fixedDraw returns the same value every time and counts calls.
type fixedDraw struct {
	v     float64
	calls int
}

func (f *fixedDraw) Float64() float64 {
	f.calls++
	return f.v
}

type replies map[string]bool

func (r replies) HasRecentReply(conversationID string, _ time.Duration) bool {
	return r[conversationID]
}

func newPolicy(t *testing.T, cfg policy.Config, draw *fixedDraw, history policy.ReplyHistory, opts ...policy.Option) *policy.Policy {
	t.Helper()
	defaults := config.Default()
	model := personality.NewModel(personality.Base{Style: defaults.Personality.StyleParameters}, defaults.Personality.Traits)
	reg, err := relationships.New([]types.RelationshipProfile{
		{ContactID: "boss", Type: types.RelationshipProfessional, Closeness: 0.3},
		{ContactID: "mom", Type: types.RelationshipFamily, Closeness: 0.9},
	})
	require.NoError(t, err)
	opts = append(opts, policy.WithRandom(draw))
	return policy.New(cfg, model, reg, history, opts...)
}

func inbound(sender, text string) types.Message {
	return types.Message{Sender: sender, Text: text, PlatformMessageID: "m1", Timestamp: time.Now()}
}

func TestDecide_IgnoredSenderFirst(t *testing.T) {
	draw := &fixedDraw{v: 0}
	p := newPolicy(t, policy.Config{IgnoreList: []string{"spam"}, Triggers: []string{"help"}}, draw, nil)

	d := p.Decide(context.Background(), inbound("spam", "please help!"), "c1")
	assert.Equal(t, policy.Suppress, d.Kind)
	assert.Equal(t, policy.ReasonIgnoredSender, d.Reason)
	assert.Zero(t, draw.calls, "ignored senders never reach the draw")
	assert.Equal(t, types.StyleParameters{}, d.Style, "no style is computed for ignored senders")
}

func TestDecide_SelfEmptyAndCooldown(t *testing.T) {
	draw := &fixedDraw{v: 0}
	p := newPolicy(t, policy.Config{ReplyCooldown: time.Minute}, draw, replies{"busy": true})

	assert.Equal(t, policy.ReasonSelfMessage, p.Decide(context.Background(), inbound(types.SenderSelf, "hi"), "c1").Reason)
	assert.Equal(t, policy.ReasonEmptyMessage, p.Decide(context.Background(), inbound("mom", "   "), "c1").Reason)
	assert.Equal(t, policy.ReasonCooldown, p.Decide(context.Background(), inbound("mom", "hi"), "busy").Reason)
	assert.Zero(t, draw.calls)

	d := p.Decide(context.Background(), inbound("mom", "hi"), "quiet")
	assert.Equal(t, policy.Respond, d.Kind)
}

func TestDecide_DrawAgainstProbability(t *testing.T) {
	// Default response probability for an unknown contact is 0.8 plus the
	// helpfulness influence, damped when inactive.
	low := &fixedDraw{v: 0.1}
	d := newPolicy(t, policy.Config{}, low, nil).Decide(context.Background(), inbound("stranger", "nice weather"), "c1")
	assert.Equal(t, policy.Respond, d.Kind)
	assert.Equal(t, policy.ReasonDrawPassed, d.Reason)
	assert.Equal(t, 1, low.calls, "exactly one draw per message")

	high := &fixedDraw{v: 0.99}
	d = newPolicy(t, policy.Config{}, high, nil).Decide(context.Background(), inbound("stranger", "nice weather"), "c1")
	assert.Equal(t, policy.Suppress, d.Kind)
	assert.Equal(t, policy.ReasonProbabilisticSkip, d.Reason)
	assert.Equal(t, 1, high.calls)
}

func TestDecide_DrawEqualToProbabilitySuppresses(t *testing.T) {
	draw := &fixedDraw{}
	p := newPolicy(t, policy.Config{}, draw, nil)
	probe := p.Decide(context.Background(), inbound("stranger", "ok"), "c1")

	draw.v = probe.Probability
	d := p.Decide(context.Background(), inbound("stranger", "ok"), "c1")
	assert.Equal(t, policy.Suppress, d.Kind)
}

func TestDecide_TriggerSkipsDraw(t *testing.T) {
	draw := &fixedDraw{v: 0.999}
	p := newPolicy(t, policy.Config{Triggers: []string{"urgent", "call me"}}, draw, nil)

	d := p.Decide(context.Background(), inbound("stranger", "URGENT: server down"), "c1")
	assert.Equal(t, policy.Respond, d.Kind)
	assert.Equal(t, policy.ReasonTrigger, d.Reason)

	d = p.Decide(context.Background(), inbound("stranger", "pls call me back"), "c1")
	assert.Equal(t, policy.ReasonTrigger, d.Reason)

	d = p.Decide(context.Background(), inbound("stranger", "insurgents"), "c1")
	assert.NotEqual(t, policy.ReasonTrigger, d.Reason, "single-word triggers match whole words only")
	assert.Equal(t, 1, draw.calls)
}

func TestDecide_Deterministic(t *testing.T) {
	msg := inbound("boss", "Can you review the deploy plan?")
	a := newPolicy(t, policy.Config{}, &fixedDraw{v: 0.42}, nil).Decide(context.Background(), msg, "c1")
	b := newPolicy(t, policy.Config{}, &fixedDraw{v: 0.42}, nil).Decide(context.Background(), msg, "c1")
	assert.Equal(t, a, b)
}

func TestDecide_ProfessionalKeepsFormality(t *testing.T) {
	p := newPolicy(t, policy.Config{}, &fixedDraw{v: 0}, nil)
	d := p.Decide(context.Background(), inbound("boss", "Are you free tomorrow?"), "c1")

	require.Equal(t, policy.Respond, d.Kind)
	assert.GreaterOrEqual(t, d.Style.FormalityLevel, 0.5)
	assert.Contains(t, d.Tags, policy.TagInquiry)
	assert.Contains(t, d.Tags, policy.TagProfessional)
	assert.Equal(t, types.RelationshipProfessional, d.Relation.Type)
}

func TestDecide_OffHoursScalesProbability(t *testing.T) {
	night := func() time.Time { return time.Date(2026, 1, 1, 3, 0, 0, 0, time.Local) }
	noon := func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local) }
	cfg := policy.Config{ActiveHours: policy.ActiveHours{Enabled: true, Start: 9, End: 22, OffHoursFactor: 0.3}}

	day := newPolicy(t, cfg, &fixedDraw{v: 0.5}, nil, policy.WithClock(noon)).Decide(context.Background(), inbound("stranger", "ok"), "c1")
	late := newPolicy(t, cfg, &fixedDraw{v: 0.5}, nil, policy.WithClock(night)).Decide(context.Background(), inbound("stranger", "ok"), "c1")

	assert.Equal(t, policy.Respond, day.Kind)
	assert.Equal(t, policy.Suppress, late.Kind)
	assert.InDelta(t, day.Probability*0.3, late.Probability, 1e-9)
}

func TestDecide_ClosenessScalesProbability(t *testing.T) {
	defaults := config.Default()
	model := personality.NewModel(personality.Base{Style: defaults.Personality.StyleParameters}, defaults.Personality.Traits)
	reg, err := relationships.New([]types.RelationshipProfile{
		{ContactID: "distant", Type: types.RelationshipFriend, Closeness: 0},
		{ContactID: "close", Type: types.RelationshipFriend, Closeness: 1},
	})
	require.NoError(t, err)
	p := policy.New(policy.Config{}, model, reg, nil, policy.WithRandom(&fixedDraw{v: 0.99}))

	distant := p.Decide(context.Background(), inbound("distant", "nice weather"), "c1")
	near := p.Decide(context.Background(), inbound("close", "nice weather"), "c2")

	assert.Equal(t, distant.Style.ResponseProbability, near.Style.ResponseProbability,
		"closeness does not change the style itself")
	assert.InDelta(t, near.Style.ResponseProbability, near.Probability, 1e-9)
	assert.InDelta(t, distant.Style.ResponseProbability*0.5, distant.Probability, 1e-9)

	stranger := p.Decide(context.Background(), inbound("stranger", "nice weather"), "c3")
	assert.InDelta(t, stranger.Style.ResponseProbability, stranger.Probability, 1e-9,
		"contacts without a profile are not scaled")
}

func TestActiveHours_Contains(t *testing.T) {
	day := policy.ActiveHours{Start: 9, End: 22}
	assert.True(t, day.Contains(9))
	assert.False(t, day.Contains(22))

	overnight := policy.ActiveHours{Start: 22, End: 6}
	assert.True(t, overnight.Contains(23))
	assert.True(t, overnight.Contains(2))
	assert.False(t, overnight.Contains(12))
}

func TestDeriveTags(t *testing.T) {
	tags := policy.DeriveTags("Hey, can you help me fix this build error?", types.RelationshipFriend)
	for _, want := range []string{
		policy.TagGreeting, policy.TagInquiry, policy.TagSupport, policy.TagProblemSolving,
		policy.TagTechnical, policy.TagCasual, policy.TagSocial,
	} {
		assert.Contains(t, tags, want)
	}
	assert.NotContains(t, tags, policy.TagWork)

	tags = policy.DeriveTags("what should we choose", types.RelationshipColleague)
	assert.Contains(t, tags, policy.TagInquiry)
	assert.Contains(t, tags, policy.TagAdvice)
	assert.Contains(t, tags, policy.TagWork)
}
