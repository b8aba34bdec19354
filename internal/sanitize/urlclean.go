package sanitize

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>()"']+`)

// dropExact is the set of tracking query parameter names removed outright.
var dropExact = map[string]bool{
	"gclid": true, "dclid": true, "fbclid": true, "msclkid": true,
	"yclid": true, "mc_eid": true, "mc_cid": true, "mkt_tok": true,
	"lipi": true, "loid": true, "lang": true, "trackingId": true,
	"trackId": true, "tracking": true, "token": true, "otpToken": true,
	"sparams": true,
}

// dropPrefixes matches tracking query parameters by name prefix (e.g.
// utm_source, li_member_urn).
var dropPrefixes = []string{
	"utm_", "fbclid", "gclid", "dclid", "msclkid", "yclid", "mc_", "mkt_",
	"trk", "trkEmail", "mid", "li_", "eid", "cid", "ref", "spm", "sr_",
	"sc_", "oly_", "campaignId", "emailKey", "uuid", "tracking", "token",
}

// cleanURLsInText rewrites every http(s) URL found in body, stripping
// tracking parameters and unwrapping known redirector wrappers. The
// original raw RFC 822 is stored separately, so this is a best-effort
// transformation, not a lossless one.
func cleanURLsInText(body string) string {
	return urlPattern.ReplaceAllStringFunc(body, cleanURL)
}

func cleanURL(raw string) string {
	if unwrapped, ok := tryUnwrapRedirect(raw); ok {
		return unwrapped
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	query := parsed.Query()
	kept := url.Values{}
	for key, values := range query {
		if dropExact[key] {
			continue
		}
		if hasDroppedPrefix(key) {
			continue
		}
		kept[key] = values
	}

	if len(kept) == 0 {
		parsed.RawQuery = ""
		return parsed.String()
	}
	parsed.RawQuery = kept.Encode()
	return parsed.String()
}

func hasDroppedPrefix(key string) bool {
	for _, p := range dropPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// tryUnwrapRedirect recognizes a handful of common corporate/social
// redirector wrappers (Outlook OWA, LinkedIn, and a generic fallback) and
// returns the cleaned inner destination URL.
func tryUnwrapRedirect(raw string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := parsed.Hostname()
	path := parsed.Path
	query := parsed.Query()

	pickParam := func(keys []string) (string, bool) {
		for _, k := range keys {
			v := query.Get(k)
			if v == "" {
				continue
			}
			if inner, err := url.Parse(v); err == nil {
				return cleanURL(inner.String()), true
			}
		}
		return "", false
	}

	if strings.Contains(host, "outlook.live.com") && strings.Contains(path, "redir") {
		if dest, ok := pickParam([]string{"url", "destination"}); ok {
			return dest, true
		}
	}

	if strings.HasSuffix(host, "lnkd.in") || (strings.Contains(host, "linkedin.com") && strings.Contains(path, "redir")) {
		if dest, ok := pickParam([]string{"url", "dest", "target"}); ok {
			return dest, true
		}
	}

	if dest, ok := pickParam([]string{"url", "u", "target", "dest", "redirect", "redirect_uri"}); ok {
		return dest, true
	}

	return "", false
}
