/**
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package transport

import (
	"time"

	"github.com/mkuyper/nanoloader/util"
)

// ErrTimeout is reported by Recv when no packet arrives within the given
// window.  It is distinct from a transport error: the connection itself is
// still usable.
var ErrTimeout = util.NewBootError("timeout reading from connection")

// ErrClosed is reported once the peer or a local Close has torn the
// connection down.
var ErrClosed = util.NewBootError("connection closed")

// Conn carries opaque, whole packets between the bootloader and the update
// peer.  The frame codec on top owes nothing to the underlying medium; a
// UART, CAN or in-memory implementation all satisfy this the same way.
type Conn interface {
	// Recv blocks until a packet arrives, the timeout elapses (ErrTimeout),
	// or the transport fails.  A timeout of zero blocks indefinitely.
	Recv(timeout time.Duration) ([]byte, error)

	// Send transmits one packet.
	Send(p []byte) error

	Close() error
}
