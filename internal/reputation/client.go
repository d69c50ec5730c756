package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Hash reputation client. Talks the VirusTotal v3 wire shape: x-apikey
// header, /files/{hash} reports, /analyses/{id} polling, and the two-stage
// upload path for samples over the inline limit.

const (
	inlineUploadLimit = 32 << 20 // bytes; larger samples go through upload_url
	maxAttempts       = 6
	initialBackoff    = time.Second
)

// Cache is the persistence slice the client needs: a hash-keyed JSON
// report store with the staleness decision left to the caller.
type Cache interface {
	GetReputation(sha256 string, maxAge time.Duration) ([]byte, bool)
	PutReputation(sha256 string, report []byte) error
}

type Options struct {
	APIKey          string
	BaseURL         string
	MaxPerMinute    int
	PollInterval    time.Duration
	AnalysisTimeout time.Duration
	CacheTTL        time.Duration // 0 = cached reports never expire
}

type Client struct {
	apiKey          string
	baseURL         string
	http            *http.Client
	limiter         *windowLimiter
	cache           Cache
	pollInterval    time.Duration
	analysisTimeout time.Duration
	cacheTTL        time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewClient returns a ready client, or nil when no API key is configured
// so callers can treat reputation as an optional stage.
func NewClient(opts Options, cache Cache) *Client {
	if opts.APIKey == "" {
		return nil
	}
	if opts.MaxPerMinute <= 0 {
		opts.MaxPerMinute = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 5 * time.Minute
	}
	return &Client{
		apiKey:          opts.APIKey,
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		http:            &http.Client{Timeout: 90 * time.Second},
		limiter:         newWindowLimiter(opts.MaxPerMinute, time.Minute),
		cache:           cache,
		pollInterval:    opts.PollInterval,
		analysisTimeout: opts.AnalysisTimeout,
		cacheTTL:        opts.CacheTTL,
		sleep:           sleepCtx,
	}
}

// ── Wire types ─────────────────────────────────────────────────────────────

type fileReport struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			LastAnalysisStats   map[string]int `json:"last_analysis_stats"`
			LastAnalysisResults map[string]struct {
				Category string `json:"category"`
				Result   string `json:"result"`
			} `json:"last_analysis_results"`
			Tags                        []string `json:"tags"`
			PopularThreatClassification struct {
				SuggestedThreatLabel  string `json:"suggested_threat_label"`
				PopularThreatCategory []struct {
					Value string `json:"value"`
				} `json:"popular_threat_category"`
			} `json:"popular_threat_classification"`
		} `json:"attributes"`
	} `json:"data"`
}

type analysisReport struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// ── Transport with retry ───────────────────────────────────────────────────

// doJSON runs the request factory under the rate limiter with bounded
// retries. 429 honors an integer Retry-After; 5xx doubles the backoff.
// Returns the body for 2xx, a nil body for 404.
func (c *Client) doJSON(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)
		req.Header.Set("x-apikey", c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if readErr != nil {
				return nil, readErr
			}
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := backoff
			if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra > 0 {
				wait = time.Duration(ra) * time.Second
			}
			lastErr = fmt.Errorf("rate limited (429)")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			backoff *= 2
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		default:
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %v", maxAttempts, lastErr)
}

// ── Lookup ─────────────────────────────────────────────────────────────────

// LookupHash fetches the file report for a hash, reading through the cache.
// An unknown hash yields a zero report with verdict "unknown", not an error.
func (c *Client) LookupHash(ctx context.Context, sha256 string) (models.ReputationReport, error) {
	sha256 = strings.ToLower(sha256)

	if c.cache != nil {
		if raw, ok := c.cache.GetReputation(sha256, c.cacheTTL); ok {
			var fr fileReport
			if err := json.Unmarshal(raw, &fr); err == nil {
				return summarize(&fr, sha256), nil
			}
		}
	}

	body, err := c.doJSON(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.baseURL+"/files/"+sha256, nil)
	})
	if err != nil {
		return models.ReputationReport{}, err
	}
	if body == nil {
		return models.ReputationReport{Verdict: "unknown"}, nil
	}

	var fr fileReport
	if err := json.Unmarshal(body, &fr); err != nil {
		return models.ReputationReport{}, fmt.Errorf("failed to parse file report: %v", err)
	}
	if c.cache != nil {
		if err := c.cache.PutReputation(sha256, body); err != nil {
			log.Printf("[Reputation] Cache write failed for %s: %v", sha256, err)
		}
	}
	return summarize(&fr, sha256), nil
}

// summarize folds the raw report into the fused-score input: engine
// counts, the flagging vendor list and the recognized classification tags.
func summarize(fr *fileReport, sha256 string) models.ReputationReport {
	attrs := &fr.Data.Attributes
	stats := attrs.LastAnalysisStats

	malicious := stats["malicious"]
	suspicious := stats["suspicious"]
	undetected := stats["undetected"]

	total := 0
	for _, n := range stats {
		total += n
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(malicious) / float64(total)
	}

	var vendors []string
	for vendor, res := range attrs.LastAnalysisResults {
		if res.Category == "malicious" {
			vendors = append(vendors, vendor)
		}
	}
	sort.Strings(vendors)

	tags := make([]string, 0, len(attrs.Tags))
	for _, t := range attrs.Tags {
		tags = append(tags, strings.ToLower(t))
	}
	for _, cat := range attrs.PopularThreatClassification.PopularThreatCategory {
		tags = append(tags, strings.ToLower(cat.Value))
	}

	verdict := "harmless"
	switch {
	case malicious > 0:
		verdict = "malicious"
	case suspicious > 0:
		verdict = "suspicious"
	case total == 0:
		verdict = "unknown"
	}

	return models.ReputationReport{
		DetectedBy:     malicious,
		Suspicious:     suspicious,
		Undetected:     undetected,
		DetectionRatio: ratio,
		Vendors:        vendors,
		Tags:           tags,
		Verdict:        verdict,
		Permalink:      "https://www.virustotal.com/gui/file/" + sha256,
	}
}

// ── Upload and analysis polling ────────────────────────────────────────────

// SubmitFile uploads a sample and blocks until its analysis completes,
// then returns the fresh hash report. Large samples get double the
// analysis timeout.
func (c *Client) SubmitFile(ctx context.Context, path, sha256 string) (models.ReputationReport, error) {
	st, err := os.Stat(path)
	if err != nil {
		return models.ReputationReport{}, err
	}

	var analysisID string
	timeout := c.analysisTimeout
	if st.Size() <= inlineUploadLimit {
		analysisID, err = c.uploadInline(ctx, path)
	} else {
		analysisID, err = c.uploadLarge(ctx, path)
		timeout = 2 * c.analysisTimeout
	}
	if err != nil {
		return models.ReputationReport{}, err
	}

	if err := c.waitForAnalysis(ctx, analysisID, timeout); err != nil {
		return models.ReputationReport{}, err
	}
	return c.LookupHash(ctx, sha256)
}

func (c *Client) uploadInline(ctx context.Context, path string) (string, error) {
	body, err := c.doJSON(ctx, func() (*http.Request, error) {
		return c.multipartRequest(c.baseURL+"/files", path)
	})
	if err != nil {
		return "", err
	}
	return analysisIDFrom(body)
}

func (c *Client) uploadLarge(ctx context.Context, path string) (string, error) {
	urlBody, err := c.doJSON(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodPost, c.baseURL+"/files/upload_url", nil)
	})
	if err != nil {
		return "", err
	}
	var target struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(urlBody, &target); err != nil || target.Data == "" {
		return "", fmt.Errorf("no upload url in response")
	}

	body, err := c.doJSON(ctx, func() (*http.Request, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return http.NewRequest(http.MethodPut, target.Data, f)
	})
	if err != nil {
		return "", err
	}
	return analysisIDFrom(body)
}

// multipartRequest buffers the sample into a multipart body. Only called
// for samples under the inline limit, so the copy is bounded.
func (c *Client) multipartRequest(url, path string) (*http.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

func analysisIDFrom(body []byte) (string, error) {
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data.ID == "" {
		return "", fmt.Errorf("no analysis id in upload response")
	}
	return resp.Data.ID, nil
}

func (c *Client) waitForAnalysis(ctx context.Context, analysisID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		body, err := c.doJSON(ctx, func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, c.baseURL+"/analyses/"+analysisID, nil)
		})
		if err != nil {
			return err
		}
		var ar analysisReport
		if err := json.Unmarshal(body, &ar); err != nil {
			return fmt.Errorf("failed to parse analysis: %v", err)
		}
		switch ar.Data.Attributes.Status {
		case "completed", "completed_with_errors":
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("analysis %s still %q after %s", analysisID, ar.Data.Attributes.Status, timeout)
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return err
		}
	}
}
