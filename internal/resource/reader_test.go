package resource_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/dataset"
	"github.com/kiranshivaraju/probehub/internal/resource"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*resource.Reader, string, *store.MemoryStore) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jailbreaks.yaml"), []byte(`
name: jailbreaks
description: openers
prompts:
  - value: one
  - value: two
  - value: three
`), 0o600))

	st := store.NewMemoryStore()
	rc := cache.NewResourceCache(config.CacheConfig{TTL: time.Minute, MaxEntries: 16})
	return resource.NewReader(rc, dataset.NewCatalog(dir), st), dir, st
}

func TestRead_DatasetList(t *testing.T) {
	r, _, _ := setup(t)

	res, err := r.Read(context.Background(), "datasets")
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.ContentType)

	var list []dataset.Summary
	require.NoError(t, json.Unmarshal(res.Payload, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "jailbreaks", list[0].Name)
	assert.Equal(t, 3, list[0].PromptCount)
}

func TestRead_Dataset(t *testing.T) {
	r, _, _ := setup(t)

	res, err := r.Read(context.Background(), "/datasets/jailbreaks/")
	require.NoError(t, err)
	assert.Equal(t, "dataset", res.Metadata[resource.MetaKind])

	var ds dataset.Dataset
	require.NoError(t, json.Unmarshal(res.Payload, &ds))
	assert.Len(t, ds.Prompts, 3)
}

func TestRead_DatasetServedFromCache(t *testing.T) {
	r, dir, _ := setup(t)
	ctx := context.Background()

	_, err := r.Read(ctx, "datasets/jailbreaks")
	require.NoError(t, err)
	// The file going away does not affect a cached snapshot.
	require.NoError(t, os.Remove(filepath.Join(dir, "jailbreaks.yaml")))
	_, err = r.Read(ctx, "datasets/jailbreaks")
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestRead_MissingDatasetNotCached(t *testing.T) {
	r, dir, _ := setup(t)
	ctx := context.Background()

	_, err := r.Read(ctx, "datasets/late")
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.yaml"), []byte("prompts:\n  - value: x\n"), 0o600))
	_, err = r.Read(ctx, "datasets/late")
	assert.NoError(t, err)
}

func TestRead_Orchestrator(t *testing.T) {
	r, _, st := setup(t)
	ctx := context.Background()
	cfg := &models.OrchestratorConfiguration{
		ID:        uuid.New(),
		Name:      "scan",
		Kind:      models.KindPromptSending,
		CreatedBy: "alice",
	}
	require.NoError(t, st.CreateConfiguration(ctx, cfg))

	res, err := r.Read(ctx, "orchestrators/"+cfg.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Metadata[resource.MetaCreatedBy])

	var got models.OrchestratorConfiguration
	require.NoError(t, json.Unmarshal(res.Payload, &got))
	assert.Equal(t, models.ConfigStatusConfigured, got.Status)

	// Snapshots are refreshed only after invalidation.
	require.NoError(t, st.SetConfigurationStatus(ctx, cfg.ID, models.ConfigStatusActive))
	r.InvalidateConfiguration(cfg.ID)
	res, err = r.Read(ctx, "orchestrators/"+cfg.ID.String())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res.Payload, &got))
	assert.Equal(t, models.ConfigStatusActive, got.Status)

	_, err = r.Read(ctx, "orchestrators/"+uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRead_Schema(t *testing.T) {
	r, _, _ := setup(t)

	res, err := r.Read(context.Background(), "schemas/red-teaming")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &schema))
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "objective")
	assert.Contains(t, props, "max_turns")
	assert.Contains(t, schema["required"], "objective")
}

func TestRead_Unknown(t *testing.T) {
	r, _, _ := setup(t)

	for _, loc := range []string{
		"",
		"secrets",
		"datasets/Bad Name",
		"datasets/a/b",
		"orchestrators/not-a-uuid",
		"orchestrators",
		"schemas/unknown-kind",
	} {
		t.Run(loc, func(t *testing.T) {
			_, err := r.Read(context.Background(), loc)
			assert.ErrorIs(t, err, resource.ErrUnknownResource)
		})
	}
}

func TestDatasetPrompts(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()

	prompts, err := r.DatasetPrompts(ctx, "jailbreaks", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, prompts)

	_, err = r.DatasetPrompts(ctx, "missing", 0)
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)

	_, err = r.DatasetPrompts(ctx, "../etc", 0)
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)
}
