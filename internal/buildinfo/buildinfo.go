// Package buildinfo carries version information set at link time with
// -ldflags "-X buswatch.org/internal/buildinfo.Version=...".
package buildinfo

var (
	Version    = "dev"
	CommitHash = "unknown"
	Branch     = "unknown"
	BuildTime  = "unknown"
	Dirty      = "false"
)

// ShortHash returns the abbreviated commit hash.
func ShortHash() string {
	if len(CommitHash) >= 7 && CommitHash != "unknown" {
		return CommitHash[:7]
	}
	return "unknown"
}
