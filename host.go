package offlinecache

import "context"

// Host is the runtime that installs and activates cache versions.
// The manager signals it when a lifecycle step wants to move on.
type Host interface {
	// SkipWaiting asks the host to activate the version as soon as it is installed,
	// instead of waiting for the previous version to stop being used.
	SkipWaiting(ctx context.Context, version string) error
	// Claim asks the host to route all requests to the version right away.
	Claim(ctx context.Context, version string) error
}

type nopHost struct{}

func (nopHost) SkipWaiting(context.Context, string) error { return nil }
func (nopHost) Claim(context.Context, string) error       { return nil }
