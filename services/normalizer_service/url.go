package normalizer_service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	googleDocPathRe = regexp.MustCompile(`^/(document|spreadsheets|presentation)/d/([a-zA-Z0-9_-]+)`)
	driveFilePathRe = regexp.MustCompile(`^/file/d/([a-zA-Z0-9_-]+)`)
)

// resolveDriveURL rewrites cloud-drive document URLs to their PDF export
// endpoint. Non-drive URLs are returned unchanged.
func resolveDriveURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	host := strings.ToLower(u.Host)
	switch host {
	case "docs.google.com":
		if m := googleDocPathRe.FindStringSubmatch(u.Path); m != nil {
			kind, fileID := m[1], m[2]
			if kind == "presentation" {
				return fmt.Sprintf("https://docs.google.com/presentation/d/%s/export/pdf", fileID)
			}
			return fmt.Sprintf("https://docs.google.com/%s/d/%s/export?format=pdf", kind, fileID)
		}
	case "drive.google.com":
		if m := driveFilePathRe.FindStringSubmatch(u.Path); m != nil {
			return fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", m[1])
		}
		if fileID := u.Query().Get("id"); fileID != "" {
			return fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", fileID)
		}
	}
	return rawURL
}

func (n *Normalizer) normalizeURL(ctx context.Context, rawURL string) ([]byte, error) {
	fetchURL := resolveDriveURL(rawURL)
	if fetchURL != rawURL {
		n.logger.Debug("Resolved cloud-drive URL to export endpoint",
			slog.String("url", rawURL),
			slog.String("export_url", fetchURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, normErr("invalid URL", err)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, normErr(fmt.Sprintf("unreachable URL %s", fetchURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, normErr(fmt.Sprintf("URL %s returned status %d", fetchURL, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, normErr("failed to read URL response", err)
	}
	if int64(len(body)) > n.cfg.MaxUploadBytes {
		return nil, normErr(fmt.Sprintf("fetched content exceeds maximum size of %d bytes", n.cfg.MaxUploadBytes), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	n.logger.Debug("Fetched URL content",
		slog.String("url", fetchURL),
		slog.String("content_type", contentType),
		slog.Int("size", len(body)))

	switch {
	case strings.Contains(contentType, "application/pdf") || isPDF(body):
		return n.passThroughPDF(body)
	case strings.Contains(contentType, "text/html"):
		text, err := htmlToText(body)
		if err != nil {
			return nil, normErr("failed to parse HTML content", err)
		}
		return n.renderText(text)
	case strings.Contains(contentType, "text/csv"):
		return n.normalizeCSV(body)
	case strings.Contains(contentType, "text/"):
		return n.renderText(string(body))
	case strings.Contains(contentType, "wordprocessingml") || strings.Contains(contentType, "msword"):
		return n.normalizeWord(fetchURL, body)
	case strings.Contains(contentType, "spreadsheetml"):
		return n.normalizeSpreadsheet(body)
	default:
		return n.normalizeSniffed(fetchURL, body)
	}
}

// htmlToText reduces an HTML page to its readable text, preferring the main
// content containers over boilerplate.
func htmlToText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, header, footer").Remove()

	var content string
	doc.Find("article, .content, #content, main, .post, .entry-content, .post-content").Each(func(i int, s *goquery.Selection) {
		content += s.Text() + "\n"
	})

	// If no specific content found, get all text from body
	if content == "" {
		content = doc.Find("body").Text()
	}

	return collapseBlankLines(content), nil
}

func collapseBlankLines(s string) string {
	var out []string
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
