package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// HTTPCollector reads a JSON metrics document from one endpoint.
type HTTPCollector struct {
	name       string
	target     string
	url        string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewHTTPCollector builds a collector for the endpoint at url, attributing its
// metrics to target.
func NewHTTPCollector(name, target, url string, timeout time.Duration) (*HTTPCollector, error) {
	if name == "" || url == "" {
		return nil, fmt.Errorf("metrics endpoint needs a name and url")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if target == "" {
		target = name
	}
	return &HTTPCollector{
		name:       name,
		target:     target,
		url:        url,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name identifies the endpoint.
func (c *HTTPCollector) Name() string { return c.name }

// Target is the service the metrics describe.
func (c *HTTPCollector) Target() string { return c.target }

// Collect fetches and flattens the metrics document.
func (c *HTTPCollector) Collect(ctx context.Context) (map[string]float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint %s returned %s", c.name, resp.Status)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	out := make(map[string]float64)
	Flatten("", doc, out)
	return out, nil
}

// Flatten copies every numeric leaf of doc into out using dotted keys. Booleans
// become 0/1; strings and nulls are skipped.
func Flatten(prefix string, doc map[string]any, out map[string]float64) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := doc[k].(type) {
		case float64:
			out[name] = v
		case int:
			out[name] = float64(v)
		case bool:
			if v {
				out[name] = 1
			} else {
				out[name] = 0
			}
		case map[string]any:
			Flatten(name, v, out)
		}
	}
}
