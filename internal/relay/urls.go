package relay

import (
	"net/url"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
)

// ValidateURL accepts ws:// and wss:// URLs with a host.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "wss://") && !strings.HasPrefix(raw, "ws://") {
		return apperrors.Newf(apperrors.CodeInvalidRelay, "relay url must start with wss:// or ws://: %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidRelay, "relay url does not parse", err).WithDetail("url", raw)
	}
	if u.Host == "" {
		return apperrors.Newf(apperrors.CodeInvalidRelay, "relay url has no host: %q", raw)
	}
	return nil
}

// NormalizeURLs trims, validates and de-duplicates relay URLs, keeping the
// first occurrence of each. Invalid entries fail the whole list.
func NormalizeURLs(urls []string) ([]string, error) {
	set := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimRight(strings.TrimSpace(raw), "/")
		if u == "" {
			continue
		}
		if err := ValidateURL(u); err != nil {
			return nil, err
		}
		if set.Add(u) {
			out = append(out, u)
		}
	}
	return out, nil
}
