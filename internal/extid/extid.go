// Package extid generates the URL-safe opaque external identifiers used on
// every public surface (pages, projects, orgs, files, invitations, import
// jobs) so that internal row ids never leak to clients.
package extid

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
)

var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a random, URL-safe external id of the given byte length of
// entropy, lowercased base32. 16 bytes is the default used for model rows;
// callers that need a longer, unguessable credential (access tokens,
// invitation tokens) should pass more.
func New(size int) string {
	buf := make([]byte, size)
	if n, err := rand.Read(buf); err != nil || n != len(buf) {
		panic("extid: failed to read random bytes: " + errString(err))
	}
	return lower(enc.EncodeToString(buf))
}

// Token returns a random hex token of size bytes of entropy, used for
// file access tokens and invitation tokens where a longer opaque secret is
// wanted rather than a short display-friendly id.
func Token(size int) string {
	buf := make([]byte, size)
	if n, err := rand.Read(buf); err != nil || n != len(buf) {
		panic("extid: failed to read random bytes: " + errString(err))
	}
	return hex.EncodeToString(buf)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func errString(err error) string {
	if err == nil {
		return "short read"
	}
	return fmt.Sprint(err)
}
