// Copyright 2025 James Ross
package cache

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3BlobDriver is the blob-store backend, for cache entries whose payload
// is too large to keep comfortably in a KV store. An in-memory key index
// tracks which S3 object each cache key maps to, along with the metadata
// a Driver must answer without a GET (tags, dependencies, version,
// expiry).
type S3BlobDriver struct {
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader

	mu    sync.RWMutex
	index map[string]*Entry // metadata only; Payload is fetched lazily from S3 on Get
}

func NewS3BlobDriver(bucket, prefix, region string) (*S3BlobDriver, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return &S3BlobDriver{
		bucket:   bucket,
		prefix:   prefix,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		index:    make(map[string]*Entry),
	}, nil
}

func (d *S3BlobDriver) objectKey(key string) string {
	return d.prefix + strings.ReplaceAll(key, ":", "/")
}

func (d *S3BlobDriver) Set(key string, entry *Entry) error {
	_, err := d.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
		Body:   bytes.NewReader(entry.Payload),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	meta := *entry
	meta.Payload = nil // kept only in S3; the index holds metadata
	d.mu.Lock()
	d.index[key] = &meta
	d.mu.Unlock()
	return nil
}

func (d *S3BlobDriver) Get(key string) (*Entry, bool, error) {
	d.mu.RLock()
	meta, ok := d.index[key]
	d.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	out, err := d.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		return nil, false, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	result := *meta
	result.Payload = payload
	return &result, true, nil
}

func (d *S3BlobDriver) Delete(key string) error {
	d.mu.Lock()
	delete(d.index, key)
	d.mu.Unlock()
	_, err := d.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	return err
}

func (d *S3BlobDriver) DeleteMany(keys []string) error {
	for _, k := range keys {
		if err := d.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (d *S3BlobDriver) Exists(key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[key]
	return ok, nil
}

func (d *S3BlobDriver) GetByPrefix(prefix string) ([]*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Entry
	for k, e := range d.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *S3BlobDriver) ClearByTags(tags []string) (int, error) {
	d.mu.Lock()
	var toDelete []string
	for k, e := range d.index {
		for _, t := range tags {
			if e.Tags[t] {
				toDelete = append(toDelete, k)
				break
			}
		}
	}
	d.mu.Unlock()
	if err := d.DeleteMany(toDelete); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

func (d *S3BlobDriver) ClearByType(jobType string) (int, error) {
	entries, _ := d.GetByPrefix("cache:" + jobType + ":")
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	if err := d.DeleteMany(keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (d *S3BlobDriver) GetMetrics() (DriverMetrics, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total int64
	for _, e := range d.index {
		total += int64(e.ResultBytes)
	}
	return DriverMetrics{EntryCount: len(d.index), TotalBytes: total}, nil
}

func (d *S3BlobDriver) ClearAll() error {
	entries, _ := d.GetByPrefix("cache:")
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return d.DeleteMany(keys)
}

func (d *S3BlobDriver) Health() error {
	_, err := d.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	return err
}

func (d *S3BlobDriver) SetVersion(key string, v Version) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.index[key]; ok {
		e.Version = v
	}
	return nil
}

func (d *S3BlobDriver) GetVersion(key string) (Version, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.index[key]
	if !ok {
		return Version{}, false, nil
	}
	return e.Version, true, nil
}

func (d *S3BlobDriver) InvalidateOldVersions(jobType string, newVersion Version) (int, error) {
	entries, _ := d.GetByPrefix("cache:" + jobType + ":")
	var stale []string
	for _, e := range entries {
		if e.Version.SchemaVersion != newVersion.SchemaVersion {
			stale = append(stale, e.Key)
		}
	}
	if err := d.DeleteMany(stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (d *S3BlobDriver) Disconnect() error { return nil }
