// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package compress

import (
	"compress/lzw"
	"compress/zlib"
	"io"
	"sync"
)

var (
	// Zlib implements stream compression using the ZLIB format of RFC 1950.
	// Every write is flushed so that each stanza reaches the peer in full.
	Zlib = Method{
		Name: "zlib",
		Wrapper: func(rw io.ReadWriter) (io.ReadWriteCloser, error) {
			return &zlibDelayedSetup{raw: rw, zlibWriter: zlib.NewWriter(rw)}, nil
		},
	}

	// LZW implements stream compression using the Lempel-Ziv-Welch (DCLZ)
	// compressed data format.
	LZW = Method{
		Name: "lzw",
		Wrapper: func(rw io.ReadWriter) (io.ReadWriteCloser, error) {
			rc := lzw.NewReader(rw, lzw.LSB, 8)
			wc := lzw.NewWriter(rw, lzw.LSB, 8)
			return struct {
				io.Reader
				io.Writer
				io.Closer
			}{
				Reader: rc,
				Writer: wc,
				Closer: multiCloser{rc, wc},
			}, nil
		},
	}
)

type multiCloser []io.Closer

// Close calls every close method in the multiCloser and returns the last
// error, if any.
func (mc multiCloser) Close() (err error) {
	for _, c := range mc {
		if e := c.Close(); e != nil {
			err = e
		}
	}
	return err
}

// zlibDelayedSetup creates its zlib reader on the first read.
// The zlib reader reads the header as soon as it is created, but a client has
// to send its new stream header before the server sends anything.
type zlibDelayedSetup struct {
	wm, rm sync.Mutex

	raw        io.ReadWriter
	zlibWriter *zlib.Writer
	zlibReader io.ReadCloser
}

func (r *zlibDelayedSetup) readSetup() (err error) {
	if r.zlibReader == nil {
		r.zlibReader, err = zlib.NewReader(r.raw)
	}
	return err
}

func (r *zlibDelayedSetup) Write(p []byte) (n int, err error) {
	r.wm.Lock()
	defer r.wm.Unlock()
	if n, err = r.zlibWriter.Write(p); err != nil {
		return n, err
	}
	return n, r.zlibWriter.Flush()
}

func (r *zlibDelayedSetup) Read(p []byte) (n int, err error) {
	r.rm.Lock()
	defer r.rm.Unlock()
	if err = r.readSetup(); err != nil {
		return 0, err
	}
	return r.zlibReader.Read(p)
}

func (r *zlibDelayedSetup) Close() error {
	mc := multiCloser{}

	r.rm.Lock()
	defer r.rm.Unlock()
	if r.zlibReader != nil {
		mc = append(mc, r.zlibReader)
	}

	r.wm.Lock()
	defer r.wm.Unlock()
	mc = append(mc, r.zlibWriter)

	return mc.Close()
}
