package relationship

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressClamps(t *testing.T) {
	assert.Equal(t, 55.0, Progress(55))
	assert.Equal(t, 100.0, Progress(150))
	assert.Equal(t, 100.0, Progress(100))
	assert.Equal(t, 0.0, Progress(0))
	assert.Equal(t, 0.0, Progress(-3))

	rec := Record{SharedExperiences: 55}
	assert.Equal(t, 55.0, rec.Progress())
}

func TestPhaseDisplayFallsBackToStranger(t *testing.T) {
	unknown := Phase("soulmate")
	assert.False(t, unknown.Known())
	assert.Equal(t, PhaseStranger.Emoji(), unknown.Emoji())
	assert.Equal(t, PhaseStranger.Description(), unknown.Description())

	for _, p := range []Phase{PhaseStranger, PhaseAcquaintance, PhaseFriend, PhaseCloseFriend, PhaseIntimate} {
		assert.True(t, p.Known(), p)
		assert.NotEmpty(t, p.Emoji())
		assert.NotEmpty(t, p.Description())
	}
}

func TestNormalizeBoundsRecord(t *testing.T) {
	topics := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		topics = append(topics, string(rune('a'+i)))
	}

	rec := Record{
		AffectionScore:     1.4,
		TrustScore:         -0.2,
		SharedExperiences:  -1,
		ConversationTopics: topics,
	}.Normalize()

	assert.Equal(t, 1.0, rec.AffectionScore)
	assert.Equal(t, 0.0, rec.TrustScore)
	assert.Equal(t, 0, rec.SharedExperiences)
	assert.Equal(t, PhaseStranger, rec.Phase)
	require.Len(t, rec.ConversationTopics, MaxConversationTopics)
	assert.Equal(t, "f", rec.ConversationTopics[0])
	assert.Equal(t, "o", rec.ConversationTopics[MaxConversationTopics-1])
}

func TestNewMemoryValidate(t *testing.T) {
	ok := NewMemory{Type: MemoryEpisodic, Content: "first chat", Priority: PriorityMedium}
	require.NoError(t, ok.Validate())

	require.Error(t, NewMemory{Type: MemoryEpisodic, Priority: PriorityLow}.Validate())
	require.Error(t, NewMemory{Type: "dream", Content: "x", Priority: PriorityLow}.Validate())
	require.Error(t, NewMemory{Type: MemorySemantic, Content: "x", Priority: 4}.Validate())
}

func TestNewMemoryNormalizeCanonicalizesType(t *testing.T) {
	got, err := NewMemory{Type: " SEMANTIC ", Content: "likes tea", Tags: []string{"Drink", "drink"}, Priority: PriorityLow}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, MemorySemantic, got.Type)
	assert.Equal(t, []string{"drink"}, got.Tags)

	_, err = NewMemory{Type: "Dream", Content: "x", Priority: PriorityLow}.Normalize()
	require.Error(t, err)
}

func TestDedupeTags(t *testing.T) {
	assert.Equal(t, []string{"positive", "music"}, DedupeTags([]string{"Positive", " music ", "positive", ""}))
}
