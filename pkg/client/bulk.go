package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/williamokano/s3lite/pkg/storage"
)

// Result is the outcome of one item of a bulk operation
type Result struct {
	Key      string
	Success  bool
	Error    error
	Duration time.Duration
}

// FileUpload names a local file and the key to store it under (empty: base name)
type FileUpload struct {
	Path string
	Key  string
}

// UploadFiles uploads files in parallel. A failed file does not stop the others;
// results are in input order.
func (c *Client) UploadFiles(ctx context.Context, bucket string, files []FileUpload) []Result {
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.Key
		if keys[i] == "" {
			keys[i] = filepath.Base(f.Path)
		}
	}

	return c.each(ctx, keys, func(ctx context.Context, i int) Result {
		key := keys[i]
		start := time.Now()
		c.logger.Debug().
			Str("bucket", bucket).
			Str("key", key).
			Str("file", files[i].Path).
			Msg("starting upload")

		_, err := c.UploadFile(ctx, bucket, files[i].Path, key)
		duration := time.Since(start)

		if err != nil {
			c.logger.Error().
				Err(err).
				Str("bucket", bucket).
				Str("key", key).
				Dur("duration", duration).
				Msg("upload failed")
		} else {
			c.logger.Info().
				Str("bucket", bucket).
				Str("key", key).
				Dur("duration", duration).
				Msg("upload succeeded")
		}

		return Result{Key: key, Success: err == nil, Error: err, Duration: duration}
	})
}

// DeleteObjects deletes keys in parallel; results are in input order
func (c *Client) DeleteObjects(ctx context.Context, bucket string, keys []string) []Result {
	return c.each(ctx, keys, func(ctx context.Context, i int) Result {
		start := time.Now()
		err := c.DeleteObject(ctx, bucket, keys[i])

		return Result{
			Key:      keys[i],
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	})
}

// EmptyBucket deletes every object in bucket and returns how many were deleted
func (c *Client) EmptyBucket(ctx context.Context, bucket string) (int, error) {
	objects, err := c.ListObjects(ctx, bucket, "")
	if err != nil {
		return 0, err
	}

	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}

	deleted := 0
	var errs []error
	for _, r := range c.DeleteObjects(ctx, bucket, keys) {
		if r.Success {
			deleted++
		} else {
			errs = append(errs, r.Error)
		}
	}

	c.logger.Info().
		Str("bucket", bucket).
		Int("deleted", deleted).
		Int("failed", len(errs)).
		Msg("bucket emptied")
	return deleted, errors.Join(errs...)
}

// RemoveBucketForce empties and deletes bucket. A missing bucket is not an error.
func (c *Client) RemoveBucketForce(ctx context.Context, bucket string) error {
	if _, err := c.EmptyBucket(ctx, bucket); err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	err := c.DeleteBucket(ctx, bucket)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// each runs fn for every key index with at most c.bulk in flight. Items that
// could not start because ctx ended get a result carrying the context error.
func (c *Client) each(ctx context.Context, keys []string, fn func(ctx context.Context, i int) Result) []Result {
	n := len(keys)
	results := make([]Result, n)
	sem := semaphore.NewWeighted(int64(c.bulk))
	var wg sync.WaitGroup

	for i := range n {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < n; j++ {
				results[j] = Result{Key: keys[j], Error: err}
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = fn(ctx, i)
		}()
	}

	wg.Wait()
	return results
}
