// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"errors"
	"fmt"
	"time"
)

// ErrReservedKey marks the use of an internal control key by application
// code. Send, SendAsync and Recv reject such keys.
var ErrReservedKey = errors.New("key is reserved for channel control messages")

// checkApplicationKey guards the application-facing operations against the
// reserved control keys.
func checkApplicationKey(key string) error {
	if key == KeyAck || key == KeyFin {
		return fmt.Errorf("%q: %w", key, ErrReservedKey)
	}
	return nil
}

// TimeoutError is returned when a blocking channel operation exceeded the
// configured receive timeout.
type TimeoutError struct {
	// Op names the expired wait, "recv" or "throttle window" or one of
	// the shutdown phases.
	Op string

	// Key is the message key the wait concerned, if any.
	Key string

	// Wait is the timeout that expired.
	Wait time.Duration
}

func (err *TimeoutError) Error() string {
	if err.Key == "" {
		return fmt.Sprintf("%s timed out after %v", err.Op, err.Wait)
	}
	return fmt.Sprintf("%s timed out after %v, key %q", err.Op, err.Wait, err.Key)
}

// Timeout reports true, following the net.Error convention.
func (err *TimeoutError) Timeout() bool {
	return true
}
