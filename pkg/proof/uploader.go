package proof

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/getlockinnn/proven-sync/pkg/transport"
)

// HTTPUploader PUTs image bytes to a pre-authorized URL (a presigned
// object-storage destination).
type HTTPUploader struct {
	// Client defaults to a client with a 30s timeout; image transfers
	// get more headroom than JSON calls.
	Client *http.Client
}

func (u *HTTPUploader) Upload(ctx context.Context, url, contentType string, body []byte) error {
	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: time.Second * 30}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(contentType) > 0 {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = int64(len(body))

	resp, err := client.Do(req)
	if err != nil {
		return transport.ClassifyErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &transport.StatusError{Status: resp.StatusCode, Body: raw}
	}
	return nil
}

var _ Uploader = (*HTTPUploader)(nil)
