package net

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Snapshot format: a zstd frame around a gob stream of header + entries.
const snapshotMagic = "SAINNC1"

type snapshotHeader struct {
	Magic       string
	BoardSize   int
	Fingerprint uint64
	Entries     int
}

type snapshotEntry struct {
	Hash   uint64
	Result Netresult
}

// SaveSnapshot writes the cache contents to path so a restarted engine
// warms up with the previous game's evaluations. fingerprint ties the
// snapshot to the weights that produced it.
func (c *Cache) SaveSnapshot(path string, boardSize int, fingerprint uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("snapshot encoder: %w", err)
	}

	c.mu.Lock()
	header := snapshotHeader{
		Magic:       snapshotMagic,
		BoardSize:   boardSize,
		Fingerprint: fingerprint,
		Entries:     len(c.entries),
	}
	entries := make([]snapshotEntry, 0, len(c.entries))
	for _, hash := range c.order {
		if r, ok := c.entries[hash]; ok {
			entries = append(entries, snapshotEntry{Hash: hash, Result: r})
		}
	}
	c.mu.Unlock()

	enc := gob.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode snapshot header: %w", err)
	}
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode snapshot entries: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish snapshot: %w", err)
	}
	return f.Sync()
}

// LoadSnapshot restores entries saved by SaveSnapshot. A snapshot from
// a different board size or weights file is rejected.
func (c *Cache) LoadSnapshot(path string, boardSize int, fingerprint uint64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("snapshot decoder: %w", err)
	}
	defer zr.Close()

	dec := gob.NewDecoder(zr)
	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return 0, fmt.Errorf("decode snapshot header: %w", err)
	}
	if header.Magic != snapshotMagic {
		return 0, fmt.Errorf("snapshot magic %q: %w", header.Magic, ErrWrongFormat)
	}
	if header.BoardSize != boardSize {
		return 0, fmt.Errorf("snapshot board size %d, want %d: %w",
			header.BoardSize, boardSize, ErrBoardSizeMismatch)
	}
	if header.Fingerprint != fingerprint {
		return 0, fmt.Errorf("snapshot weights fingerprint mismatch: %w", ErrWrongFormat)
	}

	var entries []snapshotEntry
	if err := dec.Decode(&entries); err != nil {
		return 0, fmt.Errorf("decode snapshot entries: %w", err)
	}
	for _, e := range entries {
		c.Insert(e.Hash, e.Result)
	}
	return len(entries), nil
}
