// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig configures the SQL-backed chain store.
type SQLConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver"`

	// DSN is the driver connection string.
	DSN string `yaml:"dsn"`

	MaxConns int `yaml:"max_conns"`
	MaxIdle  int `yaml:"max_idle"`
}

// SetDefaults fills zero fields.
func (c *SQLConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

// Validate checks the configuration.
func (c *SQLConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

const createChainTableSQL = `
CREATE TABLE IF NOT EXISTS tool_chains (
    task_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    kind VARCHAR(50) NOT NULL,
    tool_name VARCHAR(255),
    tool_call_id VARCHAR(255),
    request TEXT,
    params TEXT,
    result TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (task_id, seq)
);
`

// SQLStore persists chains in a relational database. Supports
// PostgreSQL, MySQL, and SQLite via database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database, verifies connectivity, and creates
// the schema.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// The go-sqlite3 driver registers as "sqlite3".
	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: cfg.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, createChainTableSQL)
	return err
}

func (s *SQLStore) Append(ctx context.Context, taskID string, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var params []byte
	if rec.Params != nil {
		var err error
		params, err = json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	query := rebind(s.dialect, `
INSERT INTO tool_chains (task_id, seq, kind, tool_name, tool_call_id, request, params, result, created_at)
SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ?, ?, ?, ?, ?, ?
FROM tool_chains WHERE task_id = ?`)

	_, err := s.db.ExecContext(ctx, query,
		taskID, rec.Kind, rec.ToolName, rec.ToolCallID,
		rec.Request, string(params), rec.Result, rec.CreatedAt, taskID)
	if err != nil {
		return fmt.Errorf("failed to append chain record: %w", err)
	}
	return nil
}

func (s *SQLStore) Records(ctx context.Context, taskID string) ([]Record, error) {
	query := rebind(s.dialect, `
SELECT kind, tool_name, tool_call_id, request, params, result, created_at
FROM tool_chains WHERE task_id = ? ORDER BY seq`)

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var params string
		if err := rows.Scan(&rec.Kind, &rec.ToolName, &rec.ToolCallID,
			&rec.Request, &params, &rec.Result, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chain record: %w", err)
		}
		if params != "" {
			if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
				return nil, fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	query := rebind(s.dialect, `DELETE FROM tool_chains WHERE task_id = ?`)
	_, err := s.db.ExecContext(ctx, query, taskID)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts ? placeholders to $n for PostgreSQL. SQLite and
// MySQL take ? as is.
func rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
