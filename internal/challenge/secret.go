/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"crypto/rand"
	"fmt"
	"io"
)

// randReader is swapped in tests to simulate an exhausted entropy source.
var randReader io.Reader = rand.Reader

// GenerateSecret returns n bytes from the secure random source.
func GenerateSecret(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return b, nil
}
