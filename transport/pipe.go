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
	"sync"
	"time"
)

// pipeConn is one endpoint of an in-memory packet pipe.  Used by the test
// harness and the simulator in place of a hardware transport.
type pipeConn struct {
	rd chan []byte
	wr chan []byte

	mtx    sync.Mutex
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected endpoints.  Packets written to one side are
// received, whole and in order, on the other.  depth bounds how many packets
// may be in flight per direction.
func Pipe(depth int) (Conn, Conn) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{rd: ba, wr: ab, closed: closed, once: once}
	b := &pipeConn{rd: ab, wr: ba, closed: closed, once: once}
	return a, b
}

func (c *pipeConn) Recv(timeout time.Duration) ([]byte, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case p, ok := <-c.rd:
		if !ok {
			return nil, ErrClosed
		}
		return p, nil
	case <-c.closed:
		// Drain anything already in flight before reporting closure.
		select {
		case p := <-c.rd:
			return p, nil
		default:
			return nil, ErrClosed
		}
	case <-expire:
		return nil, ErrTimeout
	}
}

func (c *pipeConn) Send(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.wr <- buf:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}
