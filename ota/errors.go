package ota

import "errors"

// Update errors. Use errors.Is to match them.
var (
	// ErrMalformedManifest is returned when the manifest cannot be parsed or a required field is absent.
	ErrMalformedManifest = errors.New("ota: malformed manifest")

	// ErrIdentityMismatch is returned when the manifest targets a different manufacturer, model or hardware revision.
	ErrIdentityMismatch = errors.New("ota: manifest targets another device")

	// ErrBusy is returned when an update is already in progress or awaiting verification or reboot.
	ErrBusy = errors.New("ota: update already in progress")

	// ErrTransferFailed is returned when the download fails or the image hash does not match.
	ErrTransferFailed = errors.New("ota: transfer failed")

	// ErrHashMismatch is wrapped into ErrTransferFailed when the image digest differs from the manifest.
	ErrHashMismatch = errors.New("ota: image hash mismatch")
)
