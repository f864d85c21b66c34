package capture

import (
	"context"
	"io"
	"sync"
)

// ReaderSource serves an already-open PCM16 byte stream, such as a remote
// audio feed, through the native strategy.
type ReaderSource struct {
	R io.ReadCloser
}

func (s ReaderSource) Open(ctx context.Context, _ int) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &readerStream{rc: s.R}, nil
}

type readerStream struct {
	rc   io.ReadCloser
	once sync.Once
	err  error
}

func (r *readerStream) Read(p []byte) (int, error) { return r.rc.Read(p) }

func (r *readerStream) Close() error {
	r.once.Do(func() { r.err = r.rc.Close() })
	return r.err
}
