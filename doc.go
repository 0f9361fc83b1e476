/*
Package cpcache is a caching HTTP proxy for Pacman-style binary package
repositories.

cpcache sits in front of a list of upstream mirrors and serves package
payload requests from a local on-disk cache, coordinating at most one
upstream download per filename regardless of how many clients request it
concurrently. Sync-database requests (core.db, extra.db, and their
.sig/.old variants) are always redirected straight to a mirror rather than
cached.

The main packages are:

	github.com/mirrorctl/cpcache/internal/cache  - cache coordination, mirror selection, HTTP serving
	github.com/mirrorctl/cpcache/cmd/cpcache     - command-line interface
*/
package cpcache
