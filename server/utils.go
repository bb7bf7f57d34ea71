// Generic data manipulation utility functions.

package main

import (
	"time"
)

// nowSeconds returns the current wall-clock time as fractional Unix
// seconds, the timestamp format carried on the wire. Display-only:
// ordering decisions are made on sequence numbers.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
