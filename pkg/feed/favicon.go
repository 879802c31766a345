package feed

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// maxIconSize caps icon downloads
const maxIconSize = 1024 * 1024

// fetchSiteIcon finds the icon for a site: the page is fetched and scanned
// for icon links, with /favicon.ico at the origin as the fallback. Icon
// lookup is best effort, any failure yields nil.
func (f *Fetcher) fetchSiteIcon(ctx context.Context, siteURL string) *Icon {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return nil
	}

	var candidates []string
	if body, contentType, finalURL, err := f.get(ctx, siteURL); err == nil && isHTML(contentType) {
		if _, pageIcon := findAlternates(body, finalURL); pageIcon != "" {
			candidates = append(candidates, pageIcon)
		}
	}
	candidates = append(candidates, u.Scheme+"://"+u.Host+"/favicon.ico")

	for _, candidate := range candidates {
		if icon, err := f.fetchIconData(ctx, candidate); err == nil {
			return icon
		}
	}
	return nil
}

// fetchIconData retrieves icon bytes from an http(s) or data: URL and hashes
// them. Non-image responses are rejected.
func (f *Fetcher) fetchIconData(ctx context.Context, iconURL string) (*Icon, error) {
	if strings.HasPrefix(iconURL, "data:") {
		return decodeDataURL(iconURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create icon request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch icon: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do with close error

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch icon %s: status %d", iconURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIconSize+1))
	if err != nil {
		return nil, fmt.Errorf("read icon: %w", err)
	}
	if len(data) == 0 || len(data) > maxIconSize {
		return nil, fmt.Errorf("icon %s has unusable size %d", iconURL, len(data))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err != nil || !strings.HasPrefix(mt, "image/") {
		return nil, fmt.Errorf("icon %s is not an image: %q", iconURL, contentType)
	}

	return newIcon(data, contentType), nil
}

// decodeDataURL handles inline data: icons, both base64 and percent-encoded
func decodeDataURL(dataURL string) (*Icon, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(dataURL, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}

	var data []byte
	var err error
	if strings.HasSuffix(meta, ";base64") {
		meta = strings.TrimSuffix(meta, ";base64")
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		var decoded string
		decoded, err = url.PathUnescape(payload)
		data = []byte(decoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	if len(data) == 0 || len(data) > maxIconSize {
		return nil, fmt.Errorf("data url icon has unusable size %d", len(data))
	}

	contentType := strings.Split(meta, ";")[0]
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("data url is not an image: %q", contentType)
	}

	return newIcon(data, contentType), nil
}

func newIcon(data []byte, contentType string) *Icon {
	sum := sha256.Sum256(data)
	return &Icon{Hash: hex.EncodeToString(sum[:]), Data: data, ContentType: contentType}
}
