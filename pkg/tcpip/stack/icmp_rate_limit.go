// Copyright 2024 The Pollnet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"time"

	"golang.org/x/time/rate"

	"pollnet.dev/pollnet/pkg/tcpip"
)

const (
	// icmpLimit is the default maximum number of ICMP error messages
	// permitted per second.
	icmpLimit rate.Limit = 1000

	// icmpBurst is the default number of ICMP error messages that can
	// be sent in a single burst.
	icmpBurst = 50
)

// ICMPRateLimiter gates generated ICMP error messages (destination
// unreachable, time exceeded). Echo replies are not limited.
type ICMPRateLimiter struct {
	limiter *rate.Limiter
}

// NewICMPRateLimiter returns a limiter permitting the default rate and
// burst.
func NewICMPRateLimiter() *ICMPRateLimiter {
	return &ICMPRateLimiter{limiter: rate.NewLimiter(icmpLimit, icmpBurst)}
}

// Allow reports whether one more ICMP error may be sent at the given
// monotonic time.
func (l *ICMPRateLimiter) Allow(now tcpip.MonotonicTime) bool {
	return l.limiter.AllowN(time.Unix(0, int64(now)), 1)
}
