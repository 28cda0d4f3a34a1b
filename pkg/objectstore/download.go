package objectstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const minDownloadChunk = 8 * 1024 * 1024

// DownloadStream streams key to w, fetching ranges with up to
// concurrency requests in flight at once, but writing to w strictly in
// order — w is typically the stdin of a `zfs receive` child process,
// which requires a sequential byte stream. A write failure that looks
// like the writer closing early (IsBrokenPipe) is tolerated: the
// receive side may close stdin once it has consumed what it needs.
func (s *Store) DownloadStream(ctx context.Context, key string, w io.Writer, concurrency int, progress ProgressFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}

	exists, length, err := s.HeadObject(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("objectstore: download %s: %w", key, ErrNotFound)
	}
	if length == 0 {
		return nil
	}

	chunkSize := length / int64(concurrency)
	if chunkSize < minDownloadChunk {
		chunkSize = minDownloadChunk
	}

	var ranges [][2]int64
	for start := int64(0); start < length; start += chunkSize {
		end := start + chunkSize - 1
		if end >= length {
			end = length - 1
		}
		ranges = append(ranges, [2]int64{start, end})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan fetchResult, len(ranges))
	for i := range results {
		results[i] = make(chan fetchResult, 1)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, rng := range ranges {
		wg.Add(1)
		go func(i int, start, end int64) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := s.getRange(ctx, key, start, end)
			results[i] <- fetchResult{data: data, err: err}
		}(i, rng[0], rng[1])
	}

	go func() {
		wg.Wait()
	}()

	var transferred int64
	for _, ch := range results {
		res := <-ch
		if res.err != nil {
			cancel()
			return res.err
		}

		if _, werr := w.Write(res.data); werr != nil {
			cancel()
			if IsBrokenPipe(werr) {
				return nil
			}
			return &Error{Op: "WriteDownload", Key: key, Err: werr}
		}

		transferred += int64(len(res.data))
		if progress != nil {
			progress(int64(len(res.data)))
		}
	}

	return nil
}

type fetchResult struct {
	data []byte
	err  error
}

func (s *Store) getRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, &Error{Op: "GetObject(range)", Key: key, Err: err}
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}
