package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from an upstream API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// NewJSONRequest builds a request carrying in as a JSON body.
func NewJSONRequest(ctx context.Context, method, url string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req and decodes a 2xx JSON answer into out.
func Do(client *http.Client, name string, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(name, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: name, StatusCode: resp.StatusCode, Body: string(b)}
}

// SSEHandler turns one server-sent event into a chunk. A nil chunk is
// skipped; a chunk with Done or Err set ends the stream.
type SSEHandler func(event, data string) *Chunk

type sseConfig struct {
	eofIsDone bool
}

// SSEOption tunes StreamSSE.
type SSEOption func(*sseConfig)

// EOFIsDone treats a clean end of the body as completion, for APIs whose
// streams carry no terminating event.
func EOFIsDone() SSEOption {
	return func(c *sseConfig) { c.eofIsDone = true }
}

// StreamSSE sends req and feeds each event of the answer through handle. The
// channel is closed after a Done or Err chunk. A body that ends before handle
// reports Done yields io.ErrUnexpectedEOF unless EOFIsDone is set.
func StreamSSE(ctx context.Context, client *http.Client, name string, req *http.Request, handle SSEHandler, opts ...SSEOption) <-chan *Chunk {
	var cfg sseConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := make(chan *Chunk)

	send := func(c *Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)

		resp, err := client.Do(req)
		if err != nil {
			send(&Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if err := checkStatus(name, resp); err != nil {
			send(&Chunk{Err: err})
			return
		}

		reader := bufio.NewReader(resp.Body)
		var event string
		for {
			line, err := reader.ReadString('\n')
			if err != nil && (err != io.EOF || strings.TrimSpace(line) == "") {
				switch {
				case err == io.EOF && cfg.eofIsDone:
					send(&Chunk{Done: true})
				case err == io.EOF:
					send(&Chunk{Err: fmt.Errorf("%s stream: %w", name, io.ErrUnexpectedEOF)})
				default:
					send(&Chunk{Err: err})
				}
				return
			}

			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
				continue
			case !strings.HasPrefix(line, "data: "):
				continue
			}

			c := handle(event, strings.TrimPrefix(line, "data: "))
			if c == nil {
				continue
			}
			if !send(c) || c.Done || c.Err != nil {
				return
			}
		}
	}()

	return ch
}
