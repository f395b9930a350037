// Package urlutil provides URL normalization, registrable-domain extraction,
// and hashing for the crawler. URLs are normalized before storage so that the
// same URL expressed differently produces the same string for deduplication.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/publicsuffix"
)

// trackingParams lists query parameters that are stripped during normalization.
// These are advertising and analytics trackers that do not affect page content.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"gclsrc":       {},
	"dclid":        {},
	"msclkid":      {},
}

// defaultPorts maps schemes to their default port strings.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var (
	errEmptyInput          = errors.New("normalize url: empty input")
	errUnsupportedScheme   = errors.New("normalize url: scheme is not http or https")
	errMissingHost         = errors.New("normalize url: missing host")
	errEmptyHostInput      = errors.New("extract host: empty input")
	errMissingSchemeOrHost = errors.New("extract host: missing scheme or host")
)

// Normalize applies deterministic transformations to a raw URL so that
// equivalent URLs produce identical strings. Transformations: trim surrounding
// whitespace, lowercase scheme and host, remove default ports, remove the
// fragment, resolve path dot-segments and duplicate slashes, strip the trailing
// slash on non-root paths, sort query parameters, and strip tracking
// parameters. Only http and https URLs are accepted. Returns an error for any
// input it cannot normalize; it never panics on pathological input.
func Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", errEmptyInput
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("normalize url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errUnsupportedScheme
	}

	if parsed.Host == "" {
		return "", errMissingHost
	}

	parsed.Scheme = scheme
	parsed.Host = normalizeHost(parsed)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.RawQuery = buildCleanQuery(parsed.Query())
	parsed.ForceQuery = false
	parsed.Path = normalizePath(parsed.Path)
	// Re-encode the path from its decoded form; keeping a stale RawPath
	// would bypass escaping of the rewritten path.
	parsed.RawPath = ""

	return parsed.String(), nil
}

// Hash normalizes the given URL and returns its SHA-256 hex digest.
// The returned string is always 64 characters long (SHA-256 hex encoding).
func Hash(rawURL string) (string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", fmt.Errorf("url hash: %w", err)
	}

	sum := sha256.Sum256([]byte(normalized))

	return hex.EncodeToString(sum[:]), nil
}

// HashNormalized returns the SHA-256 hex digest of an already-normalized URL.
func HashNormalized(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))

	return hex.EncodeToString(sum[:])
}

// ExtractHost returns the hostname (without port) from a URL, lowercased.
func ExtractHost(rawURL string) (string, error) {
	if rawURL == "" {
		return "", errEmptyHostInput
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("extract host: %w", err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errMissingSchemeOrHost
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// RegistrableDomain returns the registrable domain (eTLD+1) for a host,
// lowercased. IP-literal hosts are returned as-is. Hosts without a valid
// public-suffix match fall back to the full lowercased host.
func RegistrableDomain(host string) string {
	lowered := strings.ToLower(strings.TrimSuffix(host, "."))
	if lowered == "" {
		return ""
	}

	if ip := net.ParseIP(strings.Trim(lowered, "[]")); ip != nil {
		return lowered
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(lowered)
	if err != nil {
		return lowered
	}

	return domain
}

// RegistrableDomainFromURL extracts the host from a URL and returns its
// registrable domain.
func RegistrableDomainFromURL(rawURL string) (string, error) {
	host, err := ExtractHost(rawURL)
	if err != nil {
		return "", err
	}

	return RegistrableDomain(host), nil
}

// ShardPrefix returns a two-character lowercase hex prefix derived from the
// xxhash64 of the domain. It spreads per-domain files across 256
// subdirectories.
func ShardPrefix(domain string) string {
	sum := xxhash.Sum64String(domain)

	return fmt.Sprintf("%02x", byte(sum))
}

// normalizeHost lowercases the hostname and removes default ports.
func normalizeHost(u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()

	if port == "" {
		return hostname
	}

	if defaultPort, ok := defaultPorts[strings.ToLower(u.Scheme)]; ok && port == defaultPort {
		return hostname
	}

	return hostname + ":" + port
}

// buildCleanQuery strips tracking parameters, sorts the remaining keys
// alphabetically, and returns the encoded query string. Returns an empty
// string when no parameters remain after filtering.
func buildCleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))

	for key := range values {
		if _, isTracking := trackingParams[key]; !isTracking {
			keys = append(keys, key)
		}
	}

	if len(keys) == 0 {
		return ""
	}

	sort.Strings(keys)

	var b strings.Builder

	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}

		vals := values[key]
		for j, val := range vals {
			if j > 0 {
				b.WriteByte('&')
			}

			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}

	return b.String()
}

// normalizePath resolves dot-segments (/../, /./), collapses duplicate
// slashes, and removes trailing slashes while preserving the root "/".
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "/" {
		return "/"
	}

	return strings.TrimRight(cleaned, "/")
}
