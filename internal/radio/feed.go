package radio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/glizzus/radio-relay/internal/opus"
)

const (
	DefaultStreamURL  = "https://stream.r-a-d.io/main.mp3"
	DefaultBufferSize = 1024 * 1024
)

// Feed opens the upstream audio for one playback attempt.
type Feed interface {
	Open(ctx context.Context) (opus.Input, error)
}

// URLFeed lets the converter fetch the stream itself.
type URLFeed struct {
	URL string
}

func (f URLFeed) Open(context.Context) (opus.Input, error) {
	return opus.Input{URL: f.URL}, nil
}

// HTTPFeed fetches the stream and pipes it into the converter through a
// large read buffer, which absorbs network jitter.
type HTTPFeed struct {
	URL        string
	Client     *http.Client
	BufferSize int
}

// NewHTTPFeed returns an HTTPFeed for url. The client has no timeout: the
// response body is read for as long as playback lasts.
func NewHTTPFeed(url string, bufferSize int) *HTTPFeed {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &HTTPFeed{URL: url, Client: &http.Client{}, BufferSize: bufferSize}
}

func (f *HTTPFeed) Open(ctx context.Context) (opus.Input, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return opus.Input{}, &opus.Error{Kind: opus.UpstreamFetchFailure, Err: err}
	}
	res, err := f.Client.Do(req)
	if err != nil {
		return opus.Input{}, &opus.Error{Kind: opus.UpstreamFetchFailure, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		_ = res.Body.Close()
		return opus.Input{}, &opus.Error{
			Kind: opus.UpstreamFetchFailure,
			Err:  fmt.Errorf("stream returned %s", res.Status),
		}
	}
	return opus.Input{Reader: &bufferedBody{
		Reader: bufio.NewReaderSize(res.Body, f.BufferSize),
		body:   res.Body,
	}}, nil
}

type bufferedBody struct {
	*bufio.Reader
	body io.Closer
}

func (b *bufferedBody) Close() error {
	return b.body.Close()
}
