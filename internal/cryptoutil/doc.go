// Package cryptoutil holds the small crypto helpers sitekit needs: random
// tokens for request ids and application use, and content hashes for
// change detection on generated assets.
package cryptoutil
