// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import "errors"

// Manager errors.
var (
	// ErrClosed is returned for operations on a closed manager.
	ErrClosed = errors.New("delta manager has been closed")

	// ErrNotConnected is returned when an operation requires a live
	// connection to the ordering service.
	ErrNotConnected = errors.New("not connected to delta stream")

	// ErrStorageUnavailable is returned when the delta-storage service
	// could not be resolved.
	ErrStorageUnavailable = errors.New("delta storage unavailable")

	// ErrHandlerNotAttached is returned when inbound processing is
	// requested before an op handler has been attached.
	ErrHandlerNotAttached = errors.New("op handler not attached")
)
