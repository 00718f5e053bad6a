package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkverse-context-api/internal/domain/entity"
)

func TestMessagePayloadRoundtrip(t *testing.T) {
	analysis := &entity.ChapterAnalysis{
		ProjectID:     "proj-1",
		ChapterNumber: 7,
		ChapterTitle:  "码头夜话",
	}

	msg, err := NewMessage("proj-1:7", MsgTypeChapterAnalyzed, "proj-1", analysis)
	require.NoError(t, err)

	var decoded entity.ChapterAnalysis
	require.NoError(t, msg.UnmarshalPayload(&decoded))
	assert.Equal(t, "proj-1", decoded.ProjectID)
	assert.Equal(t, 7, decoded.ChapterNumber)
	assert.Equal(t, "码头夜话", decoded.ChapterTitle)
}

func TestMessageMetadata(t *testing.T) {
	msg := &Message{}
	assert.Empty(t, msg.GetMetadata("retry_count"))
	msg.SetMetadata("retry_count", "2")
	assert.Equal(t, "2", msg.GetMetadata("retry_count"))
}

func TestDLQStream(t *testing.T) {
	assert.Equal(t, "dlq:stream:chapter:analyzed", StreamChapterAnalyzed.DLQStream())
}

func TestCalculateBackoff(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, cfg.CalculateBackoff(0))
	assert.Equal(t, 2*time.Second, cfg.CalculateBackoff(1))
	assert.Equal(t, 8*time.Second, cfg.CalculateBackoff(3))
	// 超过上限后封顶
	assert.Equal(t, 10*time.Second, cfg.CalculateBackoff(6))
}
