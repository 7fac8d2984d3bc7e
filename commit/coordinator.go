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

package commit

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/util"
)

const (
	defaultPageSize = 256
	defaultRetries  = 3
)

// FaultError is a flash operation that still failed after bounded retries.
// It is fatal for the operation that triggered it; the boot record is never
// updated on this path.
type FaultError struct {
	Op     string
	Offset int
	Parent error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("flash fault: %s at 0x%x: %s",
		e.Op, e.Offset, e.Parent.Error())
}

func (e *FaultError) Unwrap() error {
	return e.Parent
}

// Coordinator sequences the irreversible flash steps of an update: erase
// before program, page-granular batching, read-back verification, and the
// single allowed mutation path for the boot record.  A crash at any point
// during staging leaves the boot record untouched.
type Coordinator struct {
	dev  flash.Device
	area flash.Area
	rec  *record.Store

	pageSize int
	retries  int

	erased []bool /* per-sector, reset per staging session */
	buf    []byte
	bufOff int
}

// Option adjusts coordinator behavior.
type Option func(c *Coordinator)

// WithPageSize sets the program batch granularity.
func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		c.pageSize = n
	}
}

// WithRetries sets how often a failed erase/program/verify is reattempted
// before surfacing a FaultError.
func WithRetries(n int) Option {
	return func(c *Coordinator) {
		c.retries = n
	}
}

func NewCoordinator(dev flash.Device, stagingArea flash.Area,
	recStore *record.Store, opts ...Option) *Coordinator {

	c := &Coordinator{
		dev:      dev,
		area:     stagingArea,
		rec:      recStore,
		pageSize: defaultPageSize,
		retries:  defaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Reset()
	return c
}

// Area returns the staging area the coordinator writes into.
func (c *Coordinator) Area() flash.Area {
	return c.area
}

// Reset starts a new staging session: pending bytes are dropped and every
// sector is considered un-erased again.
func (c *Coordinator) Reset() {
	c.erased = make([]bool, (c.area.Size+c.dev.SectorSize()-1)/
		c.dev.SectorSize())
	c.buf = nil
	c.bufOff = 0
}

// StageWrite appends bytes destined for the staging area at the given
// area-relative offset.  Contiguous writes are batched to page granularity;
// a non-contiguous offset flushes the pending batch first.  No data is
// reported as staged until its program operation passed read-back
// verification.
func (c *Coordinator) StageWrite(off int, p []byte) error {
	if !c.area.Contains(off, len(p)) {
		return util.FmtBootError(
			"staged write [0x%x,0x%x) outside staging area %s",
			off, off+len(p), c.area.String())
	}

	if c.buf != nil && off != c.bufOff+len(c.buf) {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	if c.buf == nil {
		c.bufOff = off
	}
	c.buf = append(c.buf, p...)

	for len(c.buf) >= c.pageSize {
		if err := c.program(c.bufOff, c.buf[:c.pageSize]); err != nil {
			return err
		}
		c.bufOff += c.pageSize
		c.buf = c.buf[c.pageSize:]
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}

	return nil
}

// Flush programs any pending partial page.
func (c *Coordinator) Flush() error {
	if len(c.buf) == 0 {
		c.buf = nil
		return nil
	}

	if err := c.program(c.bufOff, c.buf); err != nil {
		return err
	}
	c.bufOff += len(c.buf)
	c.buf = nil

	return nil
}

// program writes p at the area-relative offset, erasing any sector it is
// about to touch for the first time this session, and verifies by
// read-back.  Each step is retried up to the configured bound.
func (c *Coordinator) program(off int, p []byte) error {
	secSz := c.dev.SectorSize()
	firstSec := off / secSz
	lastSec := (off + len(p) - 1) / secSz

	for sec := firstSec; sec <= lastSec; sec++ {
		if c.erased[sec] {
			continue
		}
		secOff := c.area.Offset + sec*secSz
		if err := c.withRetry("erase", secOff, func() error {
			return c.dev.Erase(secOff)
		}); err != nil {
			return err
		}
		c.erased[sec] = true
	}

	devOff := c.area.Offset + off
	return c.withRetry("program", devOff, func() error {
		if err := c.dev.Program(devOff, p); err != nil {
			return err
		}

		readBack := make([]byte, len(p))
		if err := c.dev.Read(devOff, readBack); err != nil {
			return err
		}
		if !bytes.Equal(p, readBack) {
			return util.FmtBootError("read-back mismatch")
		}
		return nil
	})
}

func (c *Coordinator) withRetry(op string, off int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Debugf("%s at 0x%x failed (attempt %d/%d): %s",
			op, off, attempt+1, c.retries+1, err.Error())
	}

	return &FaultError{Op: op, Offset: off, Parent: err}
}

// CommitRecord durably transitions the boot record.  This is the only path
// in the system that mutates it; the redundant-copy discipline lives in the
// record store.
func (c *Coordinator) CommitRecord(rec record.Record) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err = c.rec.Commit(rec); err == nil {
			return nil
		}
		log.Debugf("record commit failed (attempt %d/%d): %s",
			attempt+1, c.retries+1, err.Error())
	}

	return &FaultError{Op: "record commit", Offset: 0, Parent: err}
}
