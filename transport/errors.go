// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

// Transport errors.
var (
	// ErrConnectionClosed is returned for writes on a closed
	// connection.
	ErrConnectionClosed = errors.New("delta stream connection closed")
)
