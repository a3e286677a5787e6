// Package registry maintains the durable mapping from function ids to
// metadata and versioned code artifacts. Mutations on the same id are
// serialized by a per-id lock; reads are lock-free against the store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cascadefn/cascadefn/internal/store"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// Sentinel errors surfaced by registry operations.
var (
	// ErrFunctionNotFound indicates no metadata exists for the id.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrVersionNotFound indicates the requested version is not in the
	// function's version list.
	ErrVersionNotFound = errors.New("version not found")

	// ErrDuplicateVersion indicates a deploy reused an existing version.
	ErrDuplicateVersion = errors.New("version already exists")
)

// Deployment carries the artifacts and configuration for one deploy.
type Deployment struct {
	Type       models.FunctionType
	Owner      string
	Scopes     []string
	Code       *models.CodeConfig
	Generative *models.GenerativeConfig
	Agentic    *models.AgenticConfig
	Cascade    *models.CascadeConfig

	// Source and friends are stored for code functions; nil otherwise.
	Source    []byte
	Compiled  []byte
	SourceMap []byte
}

// Registry provides deploy, rollback, get, and delete over a BlobStore.
type Registry struct {
	store  store.BlobStore
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a registry over the given blob store.
func New(blobs store.BlobStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  blobs,
		logger: logger,
		locks:  make(map[string]*idLock),
	}
}

// lockID serializes mutations for one function id. The returned func
// releases the lock and drops it once no other writer is waiting.
func (r *Registry) lockID(id string) func() {
	r.locksMu.Lock()
	lock := r.locks[id]
	if lock == nil {
		lock = &idLock{}
		r.locks[id] = lock
	}
	lock.refs++
	r.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

// Deploy stores the artifacts for (id, version) and publishes the
// metadata update. Artifact writes happen before the metadata pointer
// flips, so any reader that observes the new active version can load
// its artifacts.
func (r *Registry) Deploy(ctx context.Context, id, version string, dep Deployment) (*models.FunctionMetadata, error) {
	if err := models.ValidateFunctionID(id); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, fmt.Errorf("%w: empty version", ErrVersionNotFound)
	}
	if !dep.Type.Valid() {
		return nil, fmt.Errorf("invalid function type %q", dep.Type)
	}

	unlock := r.lockID(id)
	defer unlock()

	now := time.Now().UTC()
	meta, err := r.loadMeta(ctx, id)
	switch {
	case errors.Is(err, ErrFunctionNotFound):
		meta = &models.FunctionMetadata{
			ID:        id,
			Type:      dep.Type,
			CreatedAt: now,
		}
	case err != nil:
		return nil, err
	default:
		if meta.HasVersion(version) {
			return nil, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, id, version)
		}
	}

	// Write artifacts first.
	if dep.Source != nil {
		if err := r.store.Put(ctx, store.CodeKey(id, version), dep.Source); err != nil {
			return nil, fmt.Errorf("failed to store source: %w", err)
		}
	}
	if dep.Compiled != nil {
		if err := r.store.Put(ctx, store.CompiledKey(id, version), dep.Compiled); err != nil {
			return nil, fmt.Errorf("failed to store compiled artifact: %w", err)
		}
	}
	if dep.SourceMap != nil {
		if err := r.store.Put(ctx, store.SourceMapKey(id, version), dep.SourceMap); err != nil {
			return nil, fmt.Errorf("failed to store source map: %w", err)
		}
	}

	meta.Type = dep.Type
	meta.ActiveVersion = version
	meta.Versions = append(meta.Versions, version)
	meta.UpdatedAt = now
	meta.RolledBackFrom = ""
	if dep.Owner != "" {
		meta.Owner = dep.Owner
	}
	if dep.Scopes != nil {
		meta.Scopes = dep.Scopes
	}
	meta.Code = dep.Code
	meta.Generative = dep.Generative
	meta.Agentic = dep.Agentic
	meta.Cascade = dep.Cascade

	// Publish: active-source pointer, then metadata.
	if dep.Source != nil {
		if err := r.store.Put(ctx, store.ActiveCodeKey(id), dep.Source); err != nil {
			return nil, fmt.Errorf("failed to update active source pointer: %w", err)
		}
	}
	if err := r.saveMeta(ctx, meta); err != nil {
		return nil, err
	}

	r.logger.Info("function deployed", "function_id", id, "version", version, "type", dep.Type)
	return meta, nil
}

// Rollback flips the active version to a previously deployed one. The
// versions list is not mutated.
func (r *Registry) Rollback(ctx context.Context, id, toVersion string) (*models.FunctionMetadata, error) {
	unlock := r.lockID(id)
	defer unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if !meta.HasVersion(toVersion) {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, id, toVersion)
	}
	if meta.ActiveVersion == toVersion {
		return meta, nil
	}

	previous := meta.ActiveVersion
	meta.ActiveVersion = toVersion
	meta.RolledBackFrom = previous
	meta.UpdatedAt = time.Now().UTC()

	// Keep the active-source pointer aligned with the metadata.
	if src, err := r.store.Get(ctx, store.CodeKey(id, toVersion)); err == nil {
		if err := r.store.Put(ctx, store.ActiveCodeKey(id), src); err != nil {
			return nil, fmt.Errorf("failed to update active source pointer: %w", err)
		}
	}
	if err := r.saveMeta(ctx, meta); err != nil {
		return nil, err
	}

	r.logger.Info("function rolled back", "function_id", id, "from", previous, "to", toVersion)
	return meta, nil
}

// Get resolves function metadata. An empty version resolves to the
// active version.
func (r *Registry) Get(ctx context.Context, id string) (*models.FunctionMetadata, error) {
	return r.loadMeta(ctx, id)
}

// GetArtifact loads the code artifact for (id, version). An empty
// version resolves to the active version.
func (r *Registry) GetArtifact(ctx context.Context, id, version string) (*models.CodeArtifact, string, error) {
	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if version == "" {
		version = meta.ActiveVersion
	} else if !meta.HasVersion(version) {
		return nil, "", fmt.Errorf("%w: %s@%s", ErrVersionNotFound, id, version)
	}

	source, err := r.store.Get(ctx, store.CodeKey(id, version))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, "", fmt.Errorf("%w: no source for %s@%s", ErrFunctionNotFound, id, version)
		}
		return nil, "", err
	}

	artifact := &models.CodeArtifact{Source: source}
	if meta.Code != nil {
		artifact.Language = meta.Code.Language
		artifact.EntryPoint = meta.Code.EntryPoint
	}
	if compiled, err := r.store.Get(ctx, store.CompiledKey(id, version)); err == nil {
		artifact.Compiled = compiled
	}
	if srcMap, err := r.store.Get(ctx, store.SourceMapKey(id, version)); err == nil {
		artifact.SourceMap = srcMap
	}
	return artifact, version, nil
}

// GetCompiled returns the pre-compiled artifact for (id, version), or
// nil when none exists. Callers fall back to on-demand compilation.
func (r *Registry) GetCompiled(ctx context.Context, id, version string) ([]byte, error) {
	compiled, err := r.store.Get(ctx, store.CompiledKey(id, version))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	return compiled, err
}

// PutCompiled caches an on-demand compilation result back to the store.
func (r *Registry) PutCompiled(ctx context.Context, id, version string, compiled []byte) error {
	return r.store.Put(ctx, store.CompiledKey(id, version), compiled)
}

// Delete removes the metadata first, making the function immediately
// unreachable, then cleans up artifacts best-effort.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.lockID(id)
	defer unlock()

	if _, err := r.loadMeta(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, store.MetaKey(id)); err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}

	keys, err := r.store.List(ctx, store.FunctionPrefix(id))
	if err != nil {
		r.logger.Warn("failed to list artifacts for cleanup", "function_id", id, "error", err)
		return nil
	}
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to delete artifact", "function_id", id, "key", key, "error", err)
		}
	}
	r.logger.Info("function deleted", "function_id", id)
	return nil
}

// List returns metadata for every registered function.
func (r *Registry) List(ctx context.Context) ([]*models.FunctionMetadata, error) {
	keys, err := r.store.List(ctx, "meta:")
	if err != nil {
		return nil, err
	}
	metas := make([]*models.FunctionMetadata, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			continue // deleted concurrently
		}
		var meta models.FunctionMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			r.logger.Warn("skipping corrupt metadata", "key", key, "error", err)
			continue
		}
		metas = append(metas, &meta)
	}
	return metas, nil
}

func (r *Registry) loadMeta(ctx context.Context, id string) (*models.FunctionMetadata, error) {
	raw, err := r.store.Get(ctx, store.MetaKey(id))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, id)
		}
		return nil, err
	}
	var meta models.FunctionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", id, err)
	}
	return &meta, nil
}

func (r *Registry) saveMeta(ctx context.Context, meta *models.FunctionMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := r.store.Put(ctx, store.MetaKey(meta.ID), raw); err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}
	return nil
}
