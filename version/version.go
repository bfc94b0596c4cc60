package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// String returns Version, or "dev" for builds without ldflags.
func String() string {
	if Version == "" {
		return "dev"
	}
	return Version
}

// Short returns the version with the abbreviated commit, as printed in the
// boot banner and published with status events.
func Short() string {
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	if sha == "" {
		return String()
	}
	return String() + "+" + sha
}
