package memcheck

// Version information for the memory-correctness core.
const (
	// Version is the current version of the checker core.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the checker core.
type Info struct {
	// Version is the core version string.
	Version string

	// SchemaVersion is the structured report schema version, which is
	// versioned independently of the core.
	SchemaVersion int
}

// GetInfo returns information about the checker core.
func GetInfo() Info {
	return Info{
		Version:       Version,
		SchemaVersion: SchemaVersionCurrent,
	}
}
