package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"karen/internal/security"
	"karen/internal/utils"
)

const scraperUserAgent = "Karen-Bot/1.0 (+https://karen.example.com/bot)"

// scraperState holds the shared caches, rate limiters and HTTP client for
// the scrape_web tool. The cache carries both rendered pages and parsed
// robots.txt groups, keyed by prefix.
type scraperState struct {
	cache  *cache.Cache
	global *rate.Limiter
	client *http.Client

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

var scraper = &scraperState{
	cache:  cache.New(1*time.Hour, 10*time.Minute),
	global: rate.NewLimiter(rate.Limit(10.0), 20), // 10 req/s across all hosts
	hosts:  make(map[string]*rate.Limiter),
	client: &http.Client{
		Timeout: 60 * time.Second,
	},
}

// hostLimiter returns the per-host limiter, creating it on first use.
// One request per second keeps the tool polite toward any single site.
func (s *scraperState) hostLimiter(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.hosts[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(1.0), 2)
		s.hosts[host] = l
	}
	return l
}

// NewScraperTool creates the scrape_web tool
func NewScraperTool() *Tool {
	return &Tool{
		Name:        "scrape_web",
		DisplayName: "Scrape Web Page",
		Description: "Extract clean, readable content from a web page URL. Returns main article content without ads, navigation, or other boilerplate. Respects robots.txt and rate limits. Best for articles, blog posts, and documentation pages.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The URL of the web page to scrape (must be a valid HTTP/HTTPS URL)",
				},
				"max_length": map[string]interface{}{
					"type":        "number",
					"description": "Optional maximum content length in characters (default: 50000, max: 100000)",
					"default":     50000,
				},
			},
			"required": []string{"url"},
		},
		Execute:  executeScrapeWeb,
		Category: "data_sources",
		Keywords: []string{"scrape", "fetch", "extract", "web", "page", "content", "article", "url", "website", "html", "crawl"},
	}
}

func executeScrapeWeb(ctx context.Context, args map[string]interface{}) (string, error) {
	urlStr, ok := args["url"].(string)
	if !ok || urlStr == "" {
		return "", fmt.Errorf("url parameter is required and must be a string")
	}

	// SSRF protection: private ranges, loopback, cloud metadata endpoints
	if err := security.ValidateURLForSSRF(urlStr); err != nil {
		return "", err
	}

	maxLength := 50000
	if ml, ok := args["max_length"].(float64); ok {
		if ml > 100000 {
			ml = 100000
		}
		if ml < 1000 {
			ml = 1000
		}
		maxLength = int(ml)
	}

	if cached, found := scraper.cache.Get(urlStr); found {
		return cached.(string), nil
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	if !checkRobots(ctx, parsedURL) {
		return "", fmt.Errorf("blocked by robots.txt")
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := scraper.global.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit exceeded, try again later")
	}
	if err := scraper.hostLimiter(parsedURL.Host).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit exceeded, try again later")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", scraperUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := scraper.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024)) // 10MB limit
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	opts := trafilatura.Options{
		OriginalURL: parsedURL,
	}

	result, err := trafilatura.Extract(bytes.NewReader(body), opts)
	if err != nil || result == nil || result.ContentText == "" {
		return "", fmt.Errorf("failed to extract content from page")
	}

	content := result.ContentText
	if len(content) > maxLength {
		content = utils.TruncateOnRune(content, maxLength) + "\n\n[Content truncated due to length limit]"
	}

	metadata := fmt.Sprintf("# %s\n\n", result.Metadata.Title)
	if result.Metadata.Author != "" {
		metadata += fmt.Sprintf("**Author:** %s  \n", result.Metadata.Author)
	}
	if !result.Metadata.Date.IsZero() {
		metadata += fmt.Sprintf("**Published:** %s  \n", result.Metadata.Date.Format("January 2, 2006"))
	}
	metadata += fmt.Sprintf("**Source:** %s  \n\n---\n\n", urlStr)

	finalContent := metadata + content
	scraper.cache.Set(urlStr, finalContent, cache.DefaultExpiration)

	return finalContent, nil
}

// checkRobots consults the site's robots.txt, fetching and parsing it at
// most once per host per cache window. Unreachable or unparseable robots
// files allow the scrape.
func checkRobots(ctx context.Context, parsedURL *url.URL) bool {
	cacheKey := "robots:" + parsedURL.Scheme + "://" + parsedURL.Host
	if cached, found := scraper.cache.Get(cacheKey); found {
		data, _ := cached.(*robotstxt.RobotsData)
		return robotsAllow(data, parsedURL.Path)
	}

	data := fetchRobots(ctx, parsedURL)
	scraper.cache.Set(cacheKey, data, cache.DefaultExpiration)
	return robotsAllow(data, parsedURL.Path)
}

// fetchRobots downloads and parses a host's robots.txt; nil means no usable
// rules were found
func fetchRobots(ctx context.Context, parsedURL *url.URL) *robotstxt.RobotsData {
	robotsURL := parsedURL.Scheme + "://" + parsedURL.Host + "/robots.txt"

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", scraperUserAgent)

	resp, err := scraper.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data
}

func robotsAllow(data *robotstxt.RobotsData, path string) bool {
	if data == nil {
		return true
	}
	group := data.FindGroup("Karen-Bot")
	if group == nil {
		group = data.FindGroup("*")
	}
	if group == nil {
		return true
	}
	return group.Test(path)
}
