package events

import "fmt"

// Schema version compatibility window. Emission and dispatch both reject
// envelopes outside [MinSchemaVersion, MaxSchemaVersion] so a payload written
// today remains readable by consumers across a rolling upgrade.
const (
	MinSchemaVersion     = 1
	MaxSchemaVersion     = 2
	CurrentSchemaVersion = 1
)

// VersionError reports a payload schema version outside the compatibility window.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("event schema version %d outside supported range [%d, %d]",
		e.Version, MinSchemaVersion, MaxSchemaVersion)
}

// CheckVersion validates v against the compatibility window.
func CheckVersion(v int) error {
	if v < MinSchemaVersion || v > MaxSchemaVersion {
		return &VersionError{Version: v}
	}
	return nil
}
