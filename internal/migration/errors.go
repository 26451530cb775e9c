package migration

import "fmt"

type VersionErrorCode string

const (
	// CodeOutdatedSyncTarget: the target uses an older format than this
	// client can sync with. The target must be upgraded.
	CodeOutdatedSyncTarget VersionErrorCode = "outdatedSyncTarget"
	// CodeOutdatedClient: the target was upgraded by a newer client. This
	// application must be updated.
	CodeOutdatedClient VersionErrorCode = "outdatedClient"
)

type VersionError struct {
	Code             VersionErrorCode
	RemoteVersion    int
	SupportedVersion int
}

func (e *VersionError) Error() string {
	switch e.Code {
	case CodeOutdatedClient:
		return fmt.Sprintf("%s: sync target is at version %d but this client only supports version %d, update the application",
			e.Code, e.RemoteVersion, e.SupportedVersion)
	default:
		return fmt.Sprintf("%s: sync target is at version %d but this client requires version %d, upgrade the sync target",
			e.Code, e.RemoteVersion, e.SupportedVersion)
	}
}

// CheckVersion compares a target's version with the one this client speaks.
func CheckVersion(remote, supported int) error {
	switch {
	case remote > supported:
		return &VersionError{Code: CodeOutdatedClient, RemoteVersion: remote, SupportedVersion: supported}
	case remote < supported:
		return &VersionError{Code: CodeOutdatedSyncTarget, RemoteVersion: remote, SupportedVersion: supported}
	}
	return nil
}
