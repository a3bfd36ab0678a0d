/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	log "github.com/sirupsen/logrus"
)

const funcSchema = `
CREATE TABLE IF NOT EXISTS functionCall(time REAL, isRet INTEGER, ID INTEGER, PID INTEGER);
CREATE TABLE IF NOT EXISTS SpecfunctionCall(time REAL, isRet INTEGER, ID INTEGER, PID INTEGER,
    family INTEGER, srcport INTEGER, dstport INTEGER, srcip TEXT, dstip TEXT, pkt TEXT);
`

const packetSchema = `
CREATE TABLE IF NOT EXISTS ipv4packets(time REAL, netif INTEGER, direction INTEGER, length INTEGER,
    content TEXT, srcip TEXT, dstip TEXT, srcport INTEGER, dstport INTEGER, prot INTEGER,
    ipid INTEGER, ttl INTEGER, frag TEXT, option TEXT);
CREATE TABLE IF NOT EXISTS ipv6packets(time REAL, netif INTEGER, direction INTEGER, length INTEGER,
    content TEXT, srcip TEXT, dstip TEXT, header INTEGER, srcport INTEGER, dstport INTEGER);
CREATE TABLE IF NOT EXISTS otherpackets(time REAL, netif INTEGER, direction INTEGER, length INTEGER, content TEXT);
`

// Store is one append-only sqlite database. The owning consumer is the
// single writer: rows accumulate in a transaction that is committed once
// per CommitPeriod, so a probe burst never turns into per-row fsyncs.
// Queries run on the same handle; sqlite serializes them against the
// commit, and a reader may be one commit behind but never sees torn rows.
type Store struct {
	db     *sqlx.DB
	path   string
	tables []string

	tx *sqlx.Tx

	// clearFlag is set by the surface and consumed by the owning consumer
	// at its next commit tick. Losing a toggle is fine: raising it again
	// is idempotent.
	clearFlag atomic.Bool
}

func openStore(path, schema string, tables []string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create store dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=2000")
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	// one writer, readers piggyback on the same connection pool
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create schema for %s: %w", path, err)
	}
	return &Store{db: db, path: path, tables: tables}, nil
}

// OpenFunctionStore opens (recreating) the function event database.
func OpenFunctionStore(cacheDir string) (*Store, error) {
	path := filepath.Join(cacheDir, "FunctionInfo.db")
	os.Remove(path)
	return openStore(path, funcSchema, []string{"functionCall", "SpecfunctionCall"})
}

// OpenPacketStore opens (recreating) the packet event database.
func OpenPacketStore(cacheDir string) (*Store, error) {
	path := filepath.Join(cacheDir, "PacketInfo.db")
	os.Remove(path)
	return openStore(path, packetSchema, []string{"ipv4packets", "ipv6packets", "otherpackets"})
}

// RaiseClearFlag requests a truncation pass at the next commit tick.
func (s *Store) RaiseClearFlag() {
	s.clearFlag.Store(true)
}

func (s *Store) begin() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// Exec queues one write into the open transaction. A failed write logs and
// continues; the event is lost, the pipeline is not.
func (s *Store) Exec(query string, args ...interface{}) {
	if err := s.begin(); err != nil {
		log.Errorf("unable to begin store tx: %v", err)
		return
	}
	if _, err := s.tx.Exec(query, args...); err != nil {
		storeWriteErrors.Inc()
		log.Errorf("store write failed: %v", err)
	}
}

// Commit flushes the open transaction and, if the clear flag was raised,
// deletes every row older than now (wall clock, not probe time).
func (s *Store) Commit() {
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			log.Errorf("store commit failed: %v", err)
		}
		s.tx = nil
	}
	if s.clearFlag.CompareAndSwap(true, false) {
		now := float64(time.Now().UnixNano()) / 1e9
		for _, table := range s.tables {
			if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE time < ?", table), now); err != nil {
				log.Errorf("unable to truncate %s: %v", table, err)
			}
		}
	}
}

// DB exposes the handle to the query layer.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close commits what is pending and closes the database.
func (s *Store) Close() error {
	s.Commit()
	return s.db.Close()
}
