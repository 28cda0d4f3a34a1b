package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PutObject uploads body as a single object. It is used for small,
// whole-blob writes — the backup catalog, chiefly — not for the
// streamed send/receive payloads, which go through UploadStream.
func (s *Store) PutObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return &Error{Op: "PutObject", Key: key, Err: err}
	}
	return nil
}

// GetObject downloads key in full and returns its body. Used for the
// backup catalog blob.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, &Error{Op: "GetObject", Key: key, Err: err}
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// ErrNotFound is returned by GetObject and surfaced by HeadObject's
// exists=false when the key does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// HeadObject reports whether key exists and, if so, its length in
// bytes.
func (s *Store) HeadObject(ctx context.Context, key string) (exists bool, length int64, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, 0, nil
		}
		return false, 0, &Error{Op: "HeadObject", Key: key, Err: err}
	}

	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return true, length, nil
}

// DeleteObject removes key. Deleting an already-absent key is not an
// error (S3 semantics), matching the idempotent delete the retention
// logic relies on.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &Error{Op: "DeleteObject", Key: key, Err: err}
	}
	return nil
}
