package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	dispatchPattern    = "PUBLIC_DISPATCHIS_"
	predispatchPattern = "PUBLIC_PREDISPATCHIS_"
)

// AEMO uses uppercase HREF with either absolute paths or bare file names.
var hrefPattern = regexp.MustCompile(`(?i)href="([^"]*\.zip)"`)

// NemwebOptions parameterise the NEMWEB report fetcher.
type NemwebOptions struct {
	DispatchURL    string
	PredispatchURL string
	Timeout        time.Duration
	UserAgent      string
}

// Nemweb fetches zipped report files from the NEMWEB current-report listings.
type Nemweb struct {
	opts   NemwebOptions
	logger zerolog.Logger
	client *http.Client
}

// NewNemweb constructs a report fetcher.
func NewNemweb(opts NemwebOptions, logger zerolog.Logger) *Nemweb {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.DispatchURL == "" {
		opts.DispatchURL = "https://nemweb.com.au/Reports/Current/DispatchIS_Reports/"
	}
	if opts.PredispatchURL == "" {
		opts.PredispatchURL = "https://nemweb.com.au/Reports/Current/PredispatchIS_Reports/"
	}

	return &Nemweb{
		opts:   opts,
		logger: logger.With().Str("component", "nemweb_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchDispatch downloads and extracts the latest dispatch report.
func (n *Nemweb) FetchDispatch(ctx context.Context) (string, error) {
	return n.fetchLatest(ctx, n.opts.DispatchURL, dispatchPattern)
}

// FetchPredispatch downloads and extracts the latest pre-dispatch report.
func (n *Nemweb) FetchPredispatch(ctx context.Context) (string, error) {
	return n.fetchLatest(ctx, n.opts.PredispatchURL, predispatchPattern)
}

// fetchLatest scrapes the directory listing, picks the lexically last file
// matching pattern (AEMO file names embed the publication timestamp, so
// lexical order is publication order) and extracts the archived payload.
func (n *Nemweb) fetchLatest(ctx context.Context, baseURL, pattern string) (string, error) {
	listing, err := n.get(ctx, baseURL)
	if err != nil {
		return "", fmt.Errorf("fetch listing: %w", err)
	}

	var files []string
	for _, m := range hrefPattern.FindAllStringSubmatch(string(listing), -1) {
		if strings.Contains(strings.ToUpper(m[1]), pattern) {
			files = append(files, m[1])
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no %s files in listing", pattern)
	}
	sort.Strings(files)
	latest := files[len(files)-1]

	zipURL, err := resolveHref(baseURL, latest)
	if err != nil {
		return "", err
	}

	n.logger.Debug().Str("url", zipURL).Msg("downloading report archive")

	archive, err := n.get(ctx, zipURL)
	if err != nil {
		return "", fmt.Errorf("fetch archive: %w", err)
	}

	return extractFirst(archive)
}

func (n *Nemweb) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if ua := strings.TrimSpace(n.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "nemwatch/1.0")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nemweb responded %d for %s", resp.StatusCode, rawURL)
	}

	return io.ReadAll(resp.Body)
}

// resolveHref handles both absolute-path and relative HREF values.
func resolveHref(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func extractFirst(archive []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	if len(reader.File) == 0 {
		return "", fmt.Errorf("archive contains no files")
	}

	file, err := reader.File[0].Open()
	if err != nil {
		return "", fmt.Errorf("open archive member: %w", err)
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("read archive member: %w", err)
	}
	return string(payload), nil
}

var _ DispatchFetcher = (*Nemweb)(nil)
var _ PredispatchFetcher = (*Nemweb)(nil)
