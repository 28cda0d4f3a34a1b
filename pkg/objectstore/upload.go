package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ProgressFunc is the callback sink the Transfer Controller drives: it
// is called with the number of bytes transferred since the previous
// call, once per completed part boundary.
type ProgressFunc func(bytesSinceLast int64)

// UploadStream reads r to EOF, splitting it into parts of partSize
// bytes (the Transfer Controller's job to size), and uploads it as one
// multipart object. Up to concurrency parts are in flight to S3 at
// once; reads from r stay strictly sequential since r is typically the
// stdout of a `zfs send` child process, not a seekable source.
func (s *Store) UploadStream(ctx context.Context, key string, r io.Reader, partSize int64, concurrency int, storageClass string, progress ProgressFunc) error {
	if partSize <= 0 {
		return errors.New("objectstore: partSize must be positive")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		StorageClass: types.StorageClass(storageClass),
	})
	if err != nil {
		return &Error{Op: "CreateMultipartUpload", Key: key, Err: err}
	}
	uploadID := create.UploadId

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var parts []types.CompletedPart
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	partNumber := int32(1)
readLoop:
	for {
		buf := make([]byte, partSize)
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			buf = buf[:n]
			pn := partNumber
			partNumber++

			sem <- struct{}{}
			wg.Add(1)
			go func(pn int32, data []byte) {
				defer wg.Done()
				defer func() { <-sem }()

				out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
					Bucket:     aws.String(s.bucket),
					Key:        aws.String(key),
					UploadId:   uploadID,
					PartNumber: aws.Int32(pn),
					Body:       bytes.NewReader(data),
				})
				if err != nil {
					fail(&Error{Op: "UploadPart", Key: key, Err: err})
					return
				}

				mu.Lock()
				parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(pn)})
				mu.Unlock()

				if progress != nil {
					progress(int64(len(data)))
				}
			}(pn, buf)
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			break readLoop
		default:
			fail(&Error{Op: "ReadSendStream", Key: key, Err: readErr})
			break readLoop
		}
	}

	wg.Wait()

	if firstErr != nil {
		_, _ = s.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		return firstErr
	}

	sort.Slice(parts, func(i, j int) bool {
		return *parts[i].PartNumber < *parts[j].PartNumber
	})

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return &Error{Op: "CompleteMultipartUpload", Key: key, Err: err}
	}

	return nil
}
