// Package fetch holds Fetcher decorators shared by the concrete fetch
// implementations.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/leadsignal/harvester/internal/harvest"
)

// ArchivingFetcher wraps a Fetcher and writes the raw profile payload of
// every successful fetch to a blob store. Archive failures are logged, not
// surfaced; losing a snapshot must never fail the harvest itself.
type ArchivingFetcher struct {
	inner  harvest.Fetcher
	blobs  harvest.BlobStore
	prefix string
	logger *zap.Logger
}

// NewArchivingFetcher decorates inner with snapshot archival.
func NewArchivingFetcher(inner harvest.Fetcher, blobs harvest.BlobStore, prefix string, logger *zap.Logger) *ArchivingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchivingFetcher{inner: inner, blobs: blobs, prefix: prefix, logger: logger}
}

func (f *ArchivingFetcher) Initialize(ctx context.Context, identity harvest.Identity, proxy string) error {
	return f.inner.Initialize(ctx, identity, proxy)
}

func (f *ArchivingFetcher) Login(ctx context.Context, identity harvest.Identity) error {
	return f.inner.Login(ctx, identity)
}

func (f *ArchivingFetcher) SaveSession(ctx context.Context, agentID string) error {
	return f.inner.SaveSession(ctx, agentID)
}

func (f *ArchivingFetcher) RestoreSession(ctx context.Context, agentID string) error {
	return f.inner.RestoreSession(ctx, agentID)
}

func (f *ArchivingFetcher) Teardown(ctx context.Context) error {
	return f.inner.Teardown(ctx)
}

// FetchProfile fetches through the inner Fetcher, then archives the raw
// payload when the fetch produced usable material.
func (f *ArchivingFetcher) FetchProfile(ctx context.Context, target harvest.Target) (harvest.FetchResult, error) {
	result, err := f.inner.FetchProfile(ctx, target)
	if err != nil || result.BlockDetected || !result.AuthValid {
		return result, err
	}

	payload, merr := json.Marshal(result.Profile)
	if merr != nil {
		f.logger.Warn("marshal raw profile for archive", zap.Error(merr))
		return result, nil
	}
	uri, perr := f.blobs.PutObject(ctx, f.objectPath(result.Profile), "application/json", payload)
	if perr != nil {
		f.logger.Warn("archive raw profile",
			zap.String("target_id", target.TargetID),
			zap.Error(perr))
		return result, nil
	}
	f.logger.Debug("raw profile archived",
		zap.String("target_id", target.TargetID),
		zap.String("uri", uri))
	return result, nil
}

// objectPath buckets snapshots by a short hash of the target id; target ids
// are URLs and do not make safe object names themselves.
func (f *ArchivingFetcher) objectPath(profile harvest.RawProfile) string {
	sum := sha256.Sum256([]byte(profile.TargetID))
	return fmt.Sprintf("%s/%x/%d.json", f.prefix, sum[:8], profile.FetchedAt.UTC().Unix())
}
