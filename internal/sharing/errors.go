package sharing

import "errors"

var (
	// ErrUnreachableNAS marks network or authentication failures talking to a router
	ErrUnreachableNAS = errors.New("nas unreachable")

	// ErrPartialRuleApplication means fewer than the expected TTL rules are present after provisioning
	ErrPartialRuleApplication = errors.New("ttl rules partially applied")

	// ErrScanAlreadyRunning rejects a scan trigger while another scan is in progress
	ErrScanAlreadyRunning = errors.New("scan already in progress")

	// ErrInvalidSettings rejects a settings update before it is persisted
	ErrInvalidSettings = errors.New("invalid sharing detection settings")
)
