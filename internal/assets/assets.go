// Package assets locates the engine runtime and picks the bundle that suits
// the host.
package assets

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/loqe/loqe/internal/query"
)

const (
	BundleParallel = "parallel"
	BundleSerial   = "serial"
)

// ResolveBaseURL resolves prefix against origin and returns it with a
// trailing slash. An absolute prefix is used as-is; an empty prefix resolves
// to the origin's root.
func ResolveBaseURL(prefix, origin string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	origin = strings.TrimSpace(origin)

	ref, err := url.Parse(prefix)
	if err != nil {
		return "", fmt.Errorf("parse asset prefix: %w", err)
	}
	if ref.IsAbs() {
		return withTrailingSlash(ref), nil
	}
	if origin == "" {
		if prefix == "" {
			return "", nil
		}
		return withTrailingSlash(ref), nil
	}
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if !base.IsAbs() {
		return "", fmt.Errorf("origin %q must be an absolute URL", origin)
	}
	if prefix == "" {
		ref = &url.URL{Path: "/"}
	}
	return withTrailingSlash(base.ResolveReference(ref)), nil
}

func withTrailingSlash(u *url.URL) string {
	copied := *u
	copied.RawQuery = ""
	copied.Fragment = ""
	if !strings.HasSuffix(copied.Path, "/") {
		copied.Path += "/"
	}
	return copied.String()
}

// SelectBundle returns the parallel bundle when more than one CPU is
// available. cpus <= 0 uses the host CPU count.
func SelectBundle(baseURL string, cpus int) query.Bundle {
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	if cpus > 1 {
		return query.Bundle{Name: BundleParallel, BaseURL: baseURL, Threads: cpus}
	}
	return query.Bundle{Name: BundleSerial, BaseURL: baseURL, Threads: 1}
}
