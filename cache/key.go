package cache

import (
	"net/http"
	"strings"
)

// Signature returns the lookup key for a request within a region: the HTTP
// method plus the request URI (path and query). Headers are deliberately not
// part of the signature, so two sessions on the same device share cached
// reads. Endpoints whose responses are per-user must therefore not be put on
// the cacheable allow-list.
func Signature(r *http.Request) string {
	return r.Method + ":" + r.URL.RequestURI()
}

// GetSignature returns the signature a GET for the given path would have.
// Used by the lifecycle manager when pre-warming from a path manifest.
func GetSignature(path string) string {
	return http.MethodGet + ":" + path
}

// Key joins a region generation (e.g. "static-v1") and a request signature
// into a store key. The separator cannot appear in either part.
func Key(region, signature string) string {
	return region + "\t" + signature
}

// RegionOf returns the region generation a store key belongs to.
func RegionOf(key string) string {
	region, _, _ := strings.Cut(key, "\t")
	return region
}

// SignatureOf returns the request signature part of a store key.
func SignatureOf(key string) string {
	_, signature, _ := strings.Cut(key, "\t")
	return signature
}

// RegionPrefix returns the prefix matching every key in the given region.
func RegionPrefix(region string) string {
	return region + "\t"
}
