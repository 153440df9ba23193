package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal HTTP client for an Elasticsearch/OpenSearch-compatible
// backend. Queries are plain JSON bodies; responses are decoded into
// SearchResult so callers never touch raw payloads.
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client

	// Debug logs request bodies; Trace additionally logs each call in a
	// replayable curl form.
	Debug bool
	Trace io.Writer
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Hit is one document from a search response. Fields holds doc-value fields
// requested next to _source.
type Hit struct {
	ID     string         `json:"_id"`
	Index  string         `json:"_index"`
	Type   string         `json:"_type"`
	Source map[string]any `json:"_source"`
	Fields map[string]any `json:"fields"`
}

// SearchResult is the decoded body of a search or scroll call.
type SearchResult struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]any `json:"aggregations"`
	Shards       struct {
		Failures []map[string]any `json:"failures"`
	} `json:"_shards"`
}

// SearchOptions carries the request parameters that ride next to the query
// body. Size below zero omits the size parameter.
type SearchOptions struct {
	Size           int
	Scroll         string
	SourceIncludes []string
}

// Search runs a query against index. Partial shard failures that indicate a
// malformed query are surfaced as errors.
func (c *Client) Search(ctx context.Context, index string, body map[string]any, opts SearchOptions) (*SearchResult, error) {
	params := url.Values{}
	params.Set("ignore_unavailable", "true")
	if opts.Size >= 0 {
		params.Set("size", strconv.Itoa(opts.Size))
	}
	if opts.Scroll != "" {
		params.Set("scroll", opts.Scroll)
	}
	if len(opts.SourceIncludes) > 0 {
		params.Set("_source_includes", strings.Join(opts.SourceIncludes, ","))
	}
	var res SearchResult
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_search?"+params.Encode(), body, &res); err != nil {
		return nil, err
	}
	if err := shardFailureError(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Scroll fetches the next page of an open scroll.
func (c *Client) Scroll(ctx context.Context, scrollID, keepalive string) (*SearchResult, error) {
	body := map[string]any{"scroll": keepalive, "scroll_id": scrollID}
	var res SearchResult
	if err := c.do(ctx, http.MethodPost, "/_search/scroll", body, &res); err != nil {
		return nil, err
	}
	if err := shardFailureError(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ClearScroll releases server-side scroll state.
func (c *Client) ClearScroll(ctx context.Context, scrollID string) error {
	body := map[string]any{"scroll_id": []string{scrollID}}
	return c.do(ctx, http.MethodDelete, "/_search/scroll", body, nil)
}

// Count returns the number of documents matching the query body.
func (c *Client) Count(ctx context.Context, index string, body map[string]any) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_count?ignore_unavailable=true", body, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Index writes a document under the given id and returns the id.
func (c *Client) Index(ctx context.Context, index, id string, body map[string]any) (string, error) {
	path := "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(id) + "?refresh=true"
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes one document by id.
func (c *Client) Delete(ctx context.Context, index, id string) error {
	path := "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(id) + "?refresh=true"
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// IndicesExist reports whether index exists.
func (c *Client) IndicesExist(ctx context.Context, index string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL+"/"+url.PathEscape(index), nil)
	if err != nil {
		return false, err
	}
	c.auth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d checking index %s", resp.StatusCode, index)
	}
}

// Ping checks basic reachability of the backend.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", nil, nil)
}

func (c *Client) auth(req *http.Request) {
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)
	if c.Debug {
		log.Printf("[query] %s %s %s", method, path, encoded)
	}
	if c.Trace != nil {
		if body != nil {
			fmt.Fprintf(c.Trace, "curl -X%s '%s%s' -H 'Content-Type: application/json' -d '%s'\n", method, c.BaseURL, path, encoded)
		} else {
			fmt.Fprintf(c.Trace, "curl -X%s '%s%s'\n", method, c.BaseURL, path)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// shardFailureError turns partial shard failures into errors. A "Failed to
// parse" reason means the query itself is malformed for this index.
func shardFailureError(res *SearchResult) error {
	if len(res.Shards.Failures) == 0 {
		return nil
	}
	encoded, _ := json.Marshal(res.Shards.Failures)
	if strings.Contains(string(encoded), "Failed to parse") {
		return fmt.Errorf("query parse failure: %s", encoded)
	}
	return fmt.Errorf("shard failures: %s", encoded)
}
