// Package store adapts the external REST document store that owns meeting
// points and persisted cluster records. Batch operations chunk to the
// store's per-request limit; a failed chunk is counted and logged, never
// raised past the batch boundary, so one bad chunk cannot abort a rebuild.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/meetmap/server/internal/grid"
	"github.com/meetmap/server/internal/indicator"
)

const (
	pointsCollection   = "points"
	clustersCollection = "clusters"
)

// Config contains store client settings.
type Config struct {
	BaseURL    string        // e.g. https://meetmap-1234.restdb.example
	APIKey     string        // sent as x-apikey on every request
	Timeout    time.Duration // per-request bound; a timeout is a recoverable chunk failure
	PageSize   int           // documents per read page
	BatchSize  int           // documents per write chunk
	MaxPoints  int           // hard cap on a full point fetch
	MaxResults int           // cap on a single read query
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxPoints <= 0 {
		c.MaxPoints = 200000
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 2000
	}
}

// Client talks to the external document store.
type Client struct {
	cfg   Config
	httpc *http.Client
}

// NewClient creates a store client with defaults applied.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
}

// BatchResult accounts for a chunked batch operation. Failed chunks are
// reported here rather than as an error so partial success stays visible.
type BatchResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Errors    []string
}

func (r *BatchResult) ok(n int) {
	r.Attempted += n
	r.Succeeded += n
}

func (r *BatchResult) fail(n int, err error) {
	r.Attempted += n
	r.Failed += n
	r.Errors = append(r.Errors, err.Error())
}

// do executes one request against the store. A non-2xx response is an error;
// out, when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-apikey", c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("store %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("store %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func encodeQuery(q map[string]interface{}) string {
	data, _ := json.Marshal(q)
	return string(data)
}

// FetchPoints pulls every point with coordinates from the store, paginated.
// onPage, when non-nil, is invoked after each page with the running total.
// MaxPoints is a hard runaway guard: the result never exceeds it, even when
// the cap falls mid-page.
func (c *Client) FetchPoints(ctx context.Context, onPage func(fetched int)) ([]indicator.Point, error) {
	q := encodeQuery(map[string]interface{}{
		"latitude":  map[string]interface{}{"$ne": nil},
		"longitude": map[string]interface{}{"$ne": nil},
	})

	var points []indicator.Point
	skip := 0
	for {
		query := url.Values{}
		query.Set("q", q)
		query.Set("max", fmt.Sprintf("%d", c.cfg.PageSize))
		query.Set("skip", fmt.Sprintf("%d", skip))

		var page []indicator.Point
		if err := c.do(ctx, http.MethodGet, "/rest/"+pointsCollection, query, nil, &page); err != nil {
			return nil, err
		}

		// The store filters on coordinate presence; re-check anyway so a
		// lax store cannot push unclusterable points into the pipeline.
		for _, p := range page {
			if !p.HasCoordinates() {
				continue
			}
			points = append(points, p)
			if len(points) >= c.cfg.MaxPoints {
				log.Printf("[Store] point fetch hit cap of %d, stopping", c.cfg.MaxPoints)
				if onPage != nil {
					onPage(len(points))
				}
				return points, nil
			}
		}
		skip += len(page)

		if onPage != nil {
			onPage(len(points))
		}

		if len(page) < c.cfg.PageSize {
			return points, nil
		}
	}
}

// PurgeClusters deletes cluster records, optionally scoped to one filter.
// An empty filter deletes everything; the full-rebuild path always purges
// unconditionally before repopulating.
func (c *Client) PurgeClusters(ctx context.Context, filter string) error {
	q := map[string]interface{}{}
	if filter != "" {
		q["filter"] = filter
	}
	query := url.Values{}
	query.Set("q", encodeQuery(q))
	return c.do(ctx, http.MethodDelete, "/rest/"+clustersCollection+"/*", query, nil, nil)
}

// CreateClusters writes cluster records in chunks of BatchSize, one round
// trip per chunk. Chunk failures are accumulated, not returned as an error.
func (c *Client) CreateClusters(ctx context.Context, clusters []indicator.Cluster) BatchResult {
	var res BatchResult
	for start := 0; start < len(clusters); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(clusters) {
			end = len(clusters)
		}
		chunk := clusters[start:end]
		if err := c.do(ctx, http.MethodPost, "/rest/"+clustersCollection, nil, chunk, nil); err != nil {
			log.Printf("[Store] cluster chunk %d-%d failed: %v", start, end, err)
			res.fail(len(chunk), err)
			continue
		}
		res.ok(len(chunk))
	}
	return res
}

// pointLinkUpdate is the partial document written back onto a point after a
// rebuild: which finest-tier cluster it belongs to.
type pointLinkUpdate struct {
	ID      string `json:"_id"`
	GridKey string `json:"grid_key"`
}

// UpdatePointLinks writes the point-to-finest-cluster field in chunks, same
// partial-failure policy as CreateClusters. Updates are sorted by point ID
// so chunk composition is stable across runs.
func (c *Client) UpdatePointLinks(ctx context.Context, links map[string]string) BatchResult {
	updates := make([]pointLinkUpdate, 0, len(links))
	for id, key := range links {
		updates = append(updates, pointLinkUpdate{ID: id, GridKey: key})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })

	var res BatchResult
	for start := 0; start < len(updates); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]
		if err := c.do(ctx, http.MethodPatch, "/rest/"+pointsCollection, nil, chunk, nil); err != nil {
			log.Printf("[Store] point link chunk %d-%d failed: %v", start, end, err)
			res.fail(len(chunk), err)
			continue
		}
		res.ok(len(chunk))
	}
	return res
}

// QueryClusters reads clusters for one tier and filter, optionally
// restricted to centroids inside bounds. Results are capped at MaxResults;
// callers are expected to restrict by viewport.
func (c *Client) QueryClusters(ctx context.Context, tier int, filter string, bounds *grid.Bounds) ([]indicator.Cluster, error) {
	q := map[string]interface{}{
		"tier":   tier,
		"filter": filter,
	}
	if bounds != nil {
		q["centroid_lat"] = map[string]interface{}{"$gte": bounds.South, "$lte": bounds.North}
		q["centroid_lng"] = map[string]interface{}{"$gte": bounds.West, "$lte": bounds.East}
	}
	return c.queryClusters(ctx, q)
}

// QueryChildren reads the clusters that roll up into the given parent cell
// for one filter. This is how a client expands a cluster on zoom-in.
func (c *Client) QueryChildren(ctx context.Context, parentGridKey, filter string) ([]indicator.Cluster, error) {
	return c.queryClusters(ctx, map[string]interface{}{
		"parent_grid_key": parentGridKey,
		"filter":          filter,
	})
}

func (c *Client) queryClusters(ctx context.Context, q map[string]interface{}) ([]indicator.Cluster, error) {
	query := url.Values{}
	query.Set("q", encodeQuery(q))
	query.Set("max", fmt.Sprintf("%d", c.cfg.MaxResults))

	var clusters []indicator.Cluster
	if err := c.do(ctx, http.MethodGet, "/rest/"+clustersCollection, query, nil, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// QueryPoints reads the points linked to one finest-tier cluster.
func (c *Client) QueryPoints(ctx context.Context, gridKey string) ([]indicator.Point, error) {
	query := url.Values{}
	query.Set("q", encodeQuery(map[string]interface{}{"grid_key": gridKey}))
	query.Set("max", fmt.Sprintf("%d", c.cfg.MaxResults))

	var points []indicator.Point
	if err := c.do(ctx, http.MethodGet, "/rest/"+pointsCollection, query, nil, &points); err != nil {
		return nil, err
	}
	return points, nil
}
