package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkverse-context-api/internal/domain/entity"
)

type fakeAuditCache struct {
	getOrLoad     func(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error)
	invalidated   []string
	invalidateErr error
}

func (f *fakeAuditCache) GetOrLoadSafe(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error) {
	return f.getOrLoad(ctx, key, ttl, loader)
}

func (f *fakeAuditCache) InvalidatePattern(_ context.Context, pattern string) error {
	f.invalidated = append(f.invalidated, pattern)
	return f.invalidateErr
}

type fakeAuditSource struct {
	appendFn func(ctx context.Context, audit *entity.CharacterStateAudit) error
	listFn   func(ctx context.Context, projectID, characterName string, limit int) ([]*entity.CharacterStateAudit, error)
}

func (f *fakeAuditSource) Append(ctx context.Context, audit *entity.CharacterStateAudit) error {
	return f.appendFn(ctx, audit)
}

func (f *fakeAuditSource) ListByCharacter(ctx context.Context, projectID, characterName string, limit int) ([]*entity.CharacterStateAudit, error) {
	return f.listFn(ctx, projectID, characterName, limit)
}

func sampleAudits() []*entity.CharacterStateAudit {
	return []*entity.CharacterStateAudit{
		{ProjectID: "proj-1", CharacterName: "沈砚", AsOfChapter: 7, Facts: entity.FactList{"在码头接头"}},
		{ProjectID: "proj-1", CharacterName: "沈砚", AsOfChapter: 5, Facts: entity.FactList{"身份暴露"}},
	}
}

func TestCachedAuditListMissLoadsSource(t *testing.T) {
	sourceCalls := 0
	source := &fakeAuditSource{
		listFn: func(_ context.Context, projectID, characterName string, limit int) ([]*entity.CharacterStateAudit, error) {
			sourceCalls++
			assert.Equal(t, "proj-1", projectID)
			assert.Equal(t, "沈砚", characterName)
			assert.Equal(t, 5, limit)
			return sampleAudits(), nil
		},
	}
	// 未命中：执行 loader 并返回序列化结果
	cache := &fakeAuditCache{
		getOrLoad: func(_ context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error) {
			assert.Equal(t, "audit:proj-1:沈砚:5", key)
			assert.Equal(t, auditCacheTTL, ttl)
			data, err := loader()
			if err != nil {
				return nil, err
			}
			return json.Marshal(data)
		},
	}

	repo := NewCachedAuditRepository(cache, source)
	audits, err := repo.ListByCharacter(context.Background(), "proj-1", "沈砚", 5)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, 7, audits[0].AsOfChapter)
	assert.Equal(t, entity.FactList{"身份暴露"}, audits[1].Facts)
	assert.Equal(t, 1, sourceCalls)
}

func TestCachedAuditListHitSkipsSource(t *testing.T) {
	cached, err := json.Marshal(sampleAudits())
	require.NoError(t, err)

	source := &fakeAuditSource{
		listFn: func(_ context.Context, _, _ string, _ int) ([]*entity.CharacterStateAudit, error) {
			t.Fatal("source must not be queried on cache hit")
			return nil, nil
		},
	}
	cache := &fakeAuditCache{
		getOrLoad: func(_ context.Context, _ string, _ time.Duration, _ func() (interface{}, error)) ([]byte, error) {
			return cached, nil
		},
	}

	repo := NewCachedAuditRepository(cache, source)
	audits, err := repo.ListByCharacter(context.Background(), "proj-1", "沈砚", 5)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "沈砚", audits[0].CharacterName)
}

func TestCachedAuditListSourceError(t *testing.T) {
	sourceErr := errors.New("postgres down")
	source := &fakeAuditSource{
		listFn: func(_ context.Context, _, _ string, _ int) ([]*entity.CharacterStateAudit, error) {
			return nil, sourceErr
		},
	}
	cache := &fakeAuditCache{
		getOrLoad: func(_ context.Context, _ string, _ time.Duration, loader func() (interface{}, error)) ([]byte, error) {
			_, err := loader()
			return nil, err
		},
	}

	repo := NewCachedAuditRepository(cache, source)
	_, err := repo.ListByCharacter(context.Background(), "proj-1", "沈砚", 5)
	assert.ErrorIs(t, err, sourceErr)
}

func TestCachedAuditAppendInvalidates(t *testing.T) {
	appended := 0
	source := &fakeAuditSource{
		appendFn: func(_ context.Context, audit *entity.CharacterStateAudit) error {
			appended++
			assert.Equal(t, "沈砚", audit.CharacterName)
			return nil
		},
	}
	cache := &fakeAuditCache{}

	repo := NewCachedAuditRepository(cache, source)
	err := repo.Append(context.Background(), &entity.CharacterStateAudit{
		ProjectID:     "proj-1",
		CharacterName: "沈砚",
		AsOfChapter:   8,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, appended)
	assert.Equal(t, []string{"audit:proj-1:沈砚:*"}, cache.invalidated)
}

func TestCachedAuditAppendErrorSkipsInvalidation(t *testing.T) {
	appendErr := errors.New("insert failed")
	source := &fakeAuditSource{
		appendFn: func(_ context.Context, _ *entity.CharacterStateAudit) error {
			return appendErr
		},
	}
	cache := &fakeAuditCache{}

	repo := NewCachedAuditRepository(cache, source)
	err := repo.Append(context.Background(), &entity.CharacterStateAudit{ProjectID: "proj-1", CharacterName: "沈砚"})
	assert.ErrorIs(t, err, appendErr)
	assert.Empty(t, cache.invalidated)
}

func TestCachedAuditInvalidationFailureNonFatal(t *testing.T) {
	source := &fakeAuditSource{
		appendFn: func(_ context.Context, _ *entity.CharacterStateAudit) error { return nil },
	}
	cache := &fakeAuditCache{invalidateErr: errors.New("scan failed")}

	repo := NewCachedAuditRepository(cache, source)
	err := repo.Append(context.Background(), &entity.CharacterStateAudit{ProjectID: "proj-1", CharacterName: "沈砚"})
	assert.NoError(t, err)
}
