// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/rally/pkg/version.tag=v0.1.0
//	  -X github.com/NicolasHaas/rally/pkg/version.commit=abc1234" ./cmd/rallyd
package version

// Populated by -ldflags "-X ...".
var (
	tag    = ""
	commit = "unknown"
)

// String returns the tag, the short commit, or "dev".
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}
