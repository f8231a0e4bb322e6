package version

// Build variables set via ldflags during compilation, e.g.
// -X 'github.com/stepflow-io/stepflow/pkg/version.Version=v1.0.0'
var (
	// Version is the semantic version of the binary.
	Version = "unknown"
	// CommitHash is the git commit hash used to build the binary.
	CommitHash = "unknown"
	// BuildDate is the RFC3339 timestamp when the binary was built.
	BuildDate = "unknown"
)

// Info is the structured build information.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildDate:  BuildDate,
	}
}
