// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the object store adapter with a bounded local
// LRU download cache (C1): uploading and downloading opaque scan targets
// and SARIF/JSON result blobs, and keeping the on-disk footprint of
// downloaded targets under a configured cap.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

const (
	targetsBucket = "targets"
	resultsBucket = "results"
)

// TargetMetadata describes the user-supplied context of an uploaded target.
type TargetMetadata struct {
	Owner            string
	OriginalFilename string
	UploadedAt       time.Time
	SizeBytes        int64
	Workflow         string
	UploadMethod     string
}

// CacheStats summarises the local cache's current footprint.
type CacheStats struct {
	Bytes          int64
	FileCount      int
	CapBytes       int64
	UsageFraction  float64
}

// Store is the C1 object store adapter: an S3-compatible backend fronted by
// a bounded local download cache.
type Store struct {
	s3Client *s3.Client
	bucket   string

	cacheRoot string
	capBytes  int64

	// downloadLocks prevents concurrent downloads of the same target from
	// racing on the same local path; different targets proceed unbounded.
	downloadLocks sync.Map // map[string]*sync.Mutex

	mu sync.Mutex // not locked by any Store method
}

// Config configures the store.
type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	CacheRoot  string
	CapBytes   int64
}

// New constructs a Store backed by an S3-compatible endpoint.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.CacheRoot, 0700); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", cfg.CacheRoot, err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = true
	})

	return &Store{
		s3Client:  client,
		bucket:    cfg.Bucket,
		cacheRoot: cfg.CacheRoot,
		capBytes:  cfg.CapBytes,
	}, nil
}

// UploadTarget assigns a fresh target ID and uploads localPath's contents
// under targets/<target_id>/target, attaching owner/filename/size metadata.
func (s *Store) UploadTarget(ctx context.Context, localPath, owner string, meta TargetMetadata) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &cwerrors.NotFoundError{Resource: "upload", ID: localPath}
		}
		return "", &cwerrors.StorageError{Op: "upload_target", Cause: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &cwerrors.StorageError{Op: "upload_target", Cause: err}
	}

	targetID := uuid.New().String()
	key := targetKey(targetID)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]string{
			"owner":             owner,
			"uploaded_at":       time.Now().UTC().Format(time.RFC3339),
			"filename":          meta.OriginalFilename,
			"size":              fmt.Sprintf("%d", info.Size()),
			"workflow":          meta.Workflow,
			"original_filename": meta.OriginalFilename,
			"upload_method":     meta.UploadMethod,
		},
	})
	if err != nil {
		return "", &cwerrors.StorageError{Op: "upload_target", Cause: err}
	}

	return targetID, nil
}

// GetTarget returns a local path to target_id's content, downloading it on
// a cache miss and touching its access time on a hit.
func (s *Store) GetTarget(ctx context.Context, targetID string) (string, error) {
	lockIface, _ := s.downloadLocks.LoadOrStore(targetID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	localDir := filepath.Join(s.cacheRoot, targetID)
	localPath := filepath.Join(localDir, "target")

	if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
		now := time.Now()
		_ = os.Chtimes(localPath, now, now)
		return localPath, nil
	}

	if err := os.MkdirAll(localDir, 0700); err != nil {
		return "", &cwerrors.StorageError{Op: "get_target", Cause: err}
	}

	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(targetKey(targetID)),
	})
	if err != nil {
		os.RemoveAll(localDir)
		if isNotFound(err) {
			return "", &cwerrors.NotFoundError{Resource: "target", ID: targetID}
		}
		return "", &cwerrors.StorageError{Op: "get_target", Cause: err}
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		os.RemoveAll(localDir)
		return "", &cwerrors.StorageError{Op: "get_target", Cause: err}
	}

	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.RemoveAll(localDir)
		return "", &cwerrors.StorageError{Op: "get_target", Cause: err}
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(localDir)
		return "", &cwerrors.StorageError{Op: "get_target", Cause: err}
	}

	return localPath, nil
}

// DeleteTarget removes the remote object and any cached local copy.
// Absence on either side is not an error.
func (s *Store) DeleteTarget(ctx context.Context, targetID string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(targetKey(targetID)),
	})
	if err != nil && !isNotFound(err) {
		return &cwerrors.StorageError{Op: "delete_target", Cause: err}
	}

	if err := os.RemoveAll(filepath.Join(s.cacheRoot, targetID)); err != nil && !os.IsNotExist(err) {
		return &cwerrors.StorageError{Op: "delete_target", Cause: err}
	}
	return nil
}

// UploadResults stores blob under results/<run_id>/results.<format> and
// returns a stable URL to the stored object.
func (s *Store) UploadResults(ctx context.Context, runID string, blob []byte, format string) (string, error) {
	key := resultsKey(runID, format)

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
		Metadata: map[string]string{
			"run_id":      runID,
			"format":      format,
			"uploaded_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", &cwerrors.StorageError{Op: "upload_results", Cause: err}
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// GetResults fetches the stored results blob for run_id.
func (s *Store) GetResults(ctx context.Context, runID, format string) ([]byte, error) {
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resultsKey(runID, format)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &cwerrors.NotFoundError{Resource: "results", ID: runID}
		}
		return nil, &cwerrors.StorageError{Op: "get_results", Cause: err}
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// CleanupCache evicts cache entries in ascending last-access order until
// the total footprint is at or under the configured cap. It returns the
// number of entries actually removed. Individual removal failures are
// skipped, not fatal.
func (s *Store) CleanupCache() (int, error) {
	passStart := time.Now()
	entries, total, err := s.scanCache()
	if err != nil {
		return 0, err
	}

	if total <= s.capBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	removed := 0
	for _, e := range entries {
		if total <= s.capBytes {
			break
		}

		// Never evict a file touched after this eviction pass began.
		info, statErr := os.Stat(e.path)
		if statErr != nil {
			continue
		}
		if info.ModTime().After(passStart) || accessTime(info).After(e.lastAccess) {
			continue
		}

		if err := os.RemoveAll(e.dir); err != nil {
			continue
		}
		total -= e.size
		removed++
	}

	return removed, nil
}

// CacheBytes implements tracing.CacheStatsProvider.
func (s *Store) CacheBytes() int64 {
	_, total, err := s.scanCache()
	if err != nil {
		return 0
	}
	return total
}

// CacheFiles implements tracing.CacheStatsProvider.
func (s *Store) CacheFiles() int {
	entries, _, err := s.scanCache()
	if err != nil {
		return 0
	}
	return len(entries)
}

// Stats reports the cache's bytes, file count, configured cap, and usage
// fraction in one call.
func (s *Store) Stats() CacheStats {
	entries, total, err := s.scanCache()
	if err != nil {
		return CacheStats{CapBytes: s.capBytes}
	}
	var frac float64
	if s.capBytes > 0 {
		frac = float64(total) / float64(s.capBytes)
	}
	return CacheStats{
		Bytes:         total,
		FileCount:     len(entries),
		CapBytes:      s.capBytes,
		UsageFraction: frac,
	}
}

type cacheEntry struct {
	targetID   string
	dir        string
	path       string
	size       int64
	lastAccess time.Time
}

func (s *Store) scanCache() ([]cacheEntry, int64, error) {
	dirEntries, err := os.ReadDir(s.cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, &cwerrors.StorageError{Op: "scan_cache", Cause: err}
	}

	var entries []cacheEntry
	var total int64

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(s.cacheRoot, de.Name())
		path := filepath.Join(dir, "target")
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, cacheEntry{
			targetID:   de.Name(),
			dir:        dir,
			path:       path,
			size:       info.Size(),
			lastAccess: accessTime(info),
		})
		total += info.Size()
	}

	return entries, total, nil
}

// endpointURL prepends a scheme to a bare host:port endpoint, honouring
// S3_USE_SSL, unless the caller already supplied one.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func targetKey(targetID string) string {
	return fmt.Sprintf("%s/%s/target", targetsBucket, targetID)
}

func resultsKey(runID, format string) string {
	return fmt.Sprintf("%s/%s/results.%s", resultsBucket, runID, format)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
