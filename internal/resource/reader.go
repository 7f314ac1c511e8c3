// Package resource is the read-only front door for shared immutable resources: the dataset
// catalog, configuration snapshots and parameter schemas. Every read goes through the
// in-process resource cache.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/kiranshivaraju/probehub/internal/dataset"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

var ErrUnknownResource = errors.New("unknown resource")

const contentTypeJSON = "application/json"

// Metadata keys set on resources.
const (
	MetaKind      = "kind"
	MetaCreatedBy = "created_by"
)

// Reader resolves resource locators to cached resources.
type Reader struct {
	cache   *cache.ResourceCache
	catalog *dataset.Catalog
	store   store.Store
}

func NewReader(c *cache.ResourceCache, catalog *dataset.Catalog, st store.Store) *Reader {
	return &Reader{cache: c, catalog: catalog, store: st}
}

// Read returns the resource at locator. Supported locators are "datasets",
// "datasets/<name>", "orchestrators/<id>" and "schemas/<kind>".
func (r *Reader) Read(ctx context.Context, locator string) (cache.Resource, error) {
	locator = strings.Trim(locator, "/")
	head, tail, _ := strings.Cut(locator, "/")

	var load cache.Loader
	switch {
	case head == "datasets" && tail == "":
		load = r.loadDatasetList
	case head == "datasets" && !strings.Contains(tail, "/"):
		if !dataset.ValidName(tail) {
			return cache.Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, locator)
		}
		load = r.datasetLoader(tail)
	case head == "orchestrators" && tail != "":
		id, err := uuid.Parse(tail)
		if err != nil {
			return cache.Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, locator)
		}
		load = r.configurationLoader(id)
	case head == "schemas" && tail != "":
		kind := models.OrchestratorKind(tail)
		if _, ok := models.ParamsFor(kind); !ok {
			return cache.Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, locator)
		}
		load = schemaLoader(kind)
	default:
		return cache.Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, locator)
	}

	res, _, err := r.cache.Get(ctx, locator, load)
	return res, err
}

// DatasetPrompts returns the prompt texts of a catalog dataset, truncated to limit when
// limit > 0.
func (r *Reader) DatasetPrompts(ctx context.Context, name string, limit int) ([]string, error) {
	res, err := r.Read(ctx, "datasets/"+name)
	if errors.Is(err, ErrUnknownResource) {
		return nil, fmt.Errorf("%w: %q", dataset.ErrDatasetNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var ds dataset.Dataset
	if err := json.Unmarshal(res.Payload, &ds); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", name, err)
	}
	return ds.Values(limit), nil
}

// InvalidateConfiguration drops the cached snapshot of a configuration after it changed.
func (r *Reader) InvalidateConfiguration(id uuid.UUID) {
	r.cache.Invalidate("orchestrators/" + id.String())
}

// Stats returns the resource cache counters.
func (r *Reader) Stats() cache.Stats {
	return r.cache.Stats()
}

func (r *Reader) loadDatasetList(ctx context.Context) (cache.Resource, error) {
	list, err := r.catalog.List()
	if err != nil {
		return cache.Resource{}, err
	}
	return jsonResource(list, map[string]string{MetaKind: "dataset_list"})
}

func (r *Reader) datasetLoader(name string) cache.Loader {
	return func(ctx context.Context) (cache.Resource, error) {
		ds, err := r.catalog.Load(name)
		if err != nil {
			return cache.Resource{}, err
		}
		return jsonResource(ds, map[string]string{MetaKind: "dataset"})
	}
}

func (r *Reader) configurationLoader(id uuid.UUID) cache.Loader {
	return func(ctx context.Context) (cache.Resource, error) {
		cfg, err := r.store.GetConfiguration(ctx, id)
		if err != nil {
			return cache.Resource{}, err
		}
		return jsonResource(cfg, map[string]string{
			MetaKind:      "orchestrator",
			MetaCreatedBy: cfg.CreatedBy,
		})
	}
}

func schemaLoader(kind models.OrchestratorKind) cache.Loader {
	return func(ctx context.Context) (cache.Resource, error) {
		params, _ := models.ParamsFor(kind)
		reflector := &jsonschema.Reflector{
			RequiredFromJSONSchemaTags: true,
			ExpandedStruct:             true,
			DoNotReference:             true,
		}
		schema := reflector.Reflect(params)
		schema.Title = string(kind)
		return jsonResource(schema, map[string]string{MetaKind: "schema"})
	}
}

func jsonResource(v any, meta map[string]string) (cache.Resource, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return cache.Resource{}, fmt.Errorf("encode resource: %w", err)
	}
	return cache.Resource{Payload: payload, ContentType: contentTypeJSON, Metadata: meta}, nil
}
