package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForeshadowingStatusTransitions(t *testing.T) {
	assert.True(t, ForeshadowingStatusOpen.CanAdvanceTo(ForeshadowingStatusPlanted))
	assert.True(t, ForeshadowingStatusPlanted.CanAdvanceTo(ForeshadowingStatusResolved))
	assert.False(t, ForeshadowingStatusActive.CanAdvanceTo(ForeshadowingStatusPlanted))
	assert.False(t, ForeshadowingStatusResolved.CanAdvanceTo(ForeshadowingStatusActive))
	assert.False(t, ForeshadowingStatus("unknown").CanAdvanceTo(ForeshadowingStatusActive))
	assert.False(t, ForeshadowingStatusPlanted.CanAdvanceTo(ForeshadowingStatus("unknown")))
}

func TestForeshadowingAdvance(t *testing.T) {
	f := NewForeshadowing("p", "t-1", "玉佩的来历", ForeshadowingPriorityHigh, 3)
	assert.Equal(t, ForeshadowingStatusPlanted, f.Status)
	assert.Equal(t, 3, f.IntroducedChapter)

	assert.True(t, f.Advance(ForeshadowingStatusActive, 5))
	assert.Equal(t, ForeshadowingStatusActive, f.Status)
	assert.Equal(t, 5, f.LastTouchedChapter)

	// 回退请求忽略，但触碰章节仍然推进
	assert.False(t, f.Advance(ForeshadowingStatusPlanted, 7))
	assert.Equal(t, ForeshadowingStatusActive, f.Status)
	assert.Equal(t, 7, f.LastTouchedChapter)

	assert.True(t, f.Advance(ForeshadowingStatusResolved, 9))
	assert.False(t, f.Retrievable())
}

func TestNewForeshadowingDefaultsPriority(t *testing.T) {
	f := NewForeshadowing("p", "t-1", "d", ForeshadowingPriority("weird"), 1)
	assert.Equal(t, ForeshadowingPriorityMedium, f.Priority)
}
