package version

// Set via -ldflags "-X github.com/you/chatrelay/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
