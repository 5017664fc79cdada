// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gdamore/gitvisor"
)

const schema = `CREATE TABLE IF NOT EXISTS projects (
	id                 BIGSERIAL PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	url                TEXT NOT NULL,
	port               INTEGER NOT NULL CHECK (port BETWEEN 1000 AND 9999),
	use_deploy_key     BOOLEAN NOT NULL DEFAULT FALSE,
	git_username       TEXT NOT NULL DEFAULT '',
	git_password       TEXT NOT NULL DEFAULT '',
	ssh_key            TEXT NOT NULL DEFAULT '',
	ssh_key_passphrase TEXT NOT NULL DEFAULT '',
	ssh_pubkey         TEXT NOT NULL DEFAULT '',
	last_commit        TEXT NOT NULL DEFAULT '',
	last_error         TEXT NOT NULL DEFAULT '',
	CONSTRAINT projects_port_key UNIQUE (port),
	CONSTRAINT projects_url_key UNIQUE (url)
)`

const columns = `id, name, description, url, port, use_deploy_key,
	git_username, git_password, ssh_key, ssh_key_passphrase, ssh_pubkey,
	last_commit, last_error`

// PostgresStore keeps projects in a PostgreSQL table.  Port and URL
// uniqueness are enforced by the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ gitvisor.Store = (*PostgresStore)(nil)

// NewPostgres wraps an existing pool.  Migrate must have been run.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to the database and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := NewPostgres(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the projects table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanProject(row pgx.Row) (*gitvisor.Project, error) {
	var p gitvisor.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.URL, &p.Port, &p.UseDeployKey,
		&p.GitUsername, &p.GitPassword, &p.SSHKey, &p.SSHKeyPassphrase, &p.SSHPubKey,
		&p.LastCommit, &p.LastError)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// mapError turns constraint violations into the store errors.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "port"):
			return gitvisor.ErrPortTaken
		case strings.Contains(pgErr.ConstraintName, "url"):
			return gitvisor.ErrURLTaken
		}
	}
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return gitvisor.ErrBadPort
	}
	return err
}

func (s *PostgresStore) Page(ctx context.Context, afterID int64, limit int) ([]*gitvisor.Project, error) {
	query := `SELECT ` + columns + ` FROM projects WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := s.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rv []*gitvisor.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		rv = append(rv, p)
	}
	return rv, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*gitvisor.Project, error) {
	query := `SELECT ` + columns + ` FROM projects WHERE id = $1`
	p, err := scanProject(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gitvisor.ErrNoProject
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *gitvisor.Project) error {
	if p.ID == 0 {
		const query = `INSERT INTO projects (name, description, url, port, use_deploy_key,
			git_username, git_password, ssh_key, ssh_key_passphrase, ssh_pubkey,
			last_commit, last_error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`
		row := s.pool.QueryRow(ctx, query, p.Name, p.Description, p.URL, p.Port,
			p.UseDeployKey, p.GitUsername, p.GitPassword, p.SSHKey,
			p.SSHKeyPassphrase, p.SSHPubKey, p.LastCommit, p.LastError)
		return mapError(row.Scan(&p.ID))
	}
	const query = `UPDATE projects SET name = $2, description = $3, url = $4,
		port = $5, use_deploy_key = $6, git_username = $7, git_password = $8,
		ssh_key = $9, ssh_key_passphrase = $10, ssh_pubkey = $11,
		last_commit = $12, last_error = $13
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, p.ID, p.Name, p.Description, p.URL, p.Port,
		p.UseDeployKey, p.GitUsername, p.GitPassword, p.SSHKey,
		p.SSHKeyPassphrase, p.SSHPubKey, p.LastCommit, p.LastError)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return gitvisor.ErrNoProject
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, lastCommit, lastError string) error {
	const query = `UPDATE projects SET last_commit = $2, last_error = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, lastCommit, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return gitvisor.ErrNoProject
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM projects WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id)
	return err
}
