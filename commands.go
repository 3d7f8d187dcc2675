package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"text/tabwriter"
	"time"

	"github.com/williamokano/s3lite/pkg/client"
	"github.com/williamokano/s3lite/pkg/transfer"
)

type commands struct {
	client *client.Client
	out    io.Writer
	force  bool
}

func (c *commands) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "mb":
		return c.client.CreateBucket(ctx, args[0])
	case "rb":
		if c.force {
			return c.client.RemoveBucketForce(ctx, args[0])
		}
		return c.client.DeleteBucket(ctx, args[0])
	case "ls":
		return c.list(ctx, args)
	case "put":
		return c.put(ctx, args)
	case "get":
		return c.get(ctx, args)
	case "rm":
		return c.remove(ctx, args[0], args[1:])
	case "cat":
		return c.cat(ctx, args[0], args[1])
	case "presign":
		return c.presign(args)
	}
	return fmt.Errorf("%w: %s", errUsage, command)
}

func (c *commands) list(ctx context.Context, args []string) error {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)

	if len(args) == 0 {
		buckets, err := c.client.ListBuckets(ctx)
		if err != nil {
			return err
		}
		for _, b := range buckets {
			fmt.Fprintf(w, "%s\t%s\n", b.CreationDate.Format(time.RFC3339), b.Name)
		}
		return w.Flush()
	}

	prefix := ""
	if len(args) == 2 {
		prefix = args[1]
	}
	objects, err := c.client.ListObjects(ctx, args[0], prefix)
	if err != nil {
		return err
	}
	for _, o := range objects {
		fmt.Fprintf(w, "%s\t%d\t%s\n", o.LastModified.Format(time.RFC3339), o.Size, o.Key)
	}
	return w.Flush()
}

func (c *commands) put(ctx context.Context, args []string) error {
	key := ""
	if len(args) == 3 {
		key = args[2]
	}
	out, err := c.client.UploadFile(ctx, args[0], args[1], key)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%d bytes\t%s\n", out.ETag, out.Size, args[1])
	return nil
}

func (c *commands) get(ctx context.Context, args []string) error {
	file := path.Base(args[1])
	if len(args) == 3 {
		file = args[2]
	}
	out, err := c.client.DownloadFile(ctx, args[0], args[1], file)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%d bytes\t%s\n", out.ETag, out.Size, file)
	return nil
}

func (c *commands) remove(ctx context.Context, bucket string, keys []string) error {
	var errs []error
	for _, r := range c.client.DeleteObjects(ctx, bucket, keys) {
		if r.Error != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Error))
		}
	}
	return errors.Join(errs...)
}

func (c *commands) cat(ctx context.Context, bucket, key string) error {
	_, err := c.client.Engine().Download(ctx, transfer.DownloadInput{Bucket: bucket, Key: key, Sink: c.out})
	return err
}

func (c *commands) presign(args []string) error {
	var ttl time.Duration
	if len(args) == 3 {
		var err error
		if ttl, err = time.ParseDuration(args[2]); err != nil {
			return fmt.Errorf("%w: ttl: %v", errUsage, err)
		}
	}
	link, err := c.client.PresignGetObject(args[0], args[1], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, link)
	return nil
}
