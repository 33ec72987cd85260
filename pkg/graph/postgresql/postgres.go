// Package postgresql provides a PostgreSQL-backed content graph.
//
// Vertices and properties live in two tables. Streaming property values are
// stored as BYTEA and only fetched when a reader opens them.
package postgresql

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/graph/sqlbase"
	_ "github.com/lib/pq"
)

// Graph implements graph.Graph on PostgreSQL.
type Graph struct {
	db      *sql.DB
	logger  *slog.Logger
	pending graph.MutationBuffer
	// flushMu serializes flushes so a failed flush restores its batch
	// before another drains.
	flushMu sync.Mutex
}

var _ graph.Graph = (*Graph)(nil)

// NewGraph connects to databaseURL and applies schema migrations.
func NewGraph(ctx context.Context, logger *slog.Logger, databaseURL string) (*Graph, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Graph{db: database, logger: logger}, nil
}

// GetVertex implements graph.Graph.
func (g *Graph) GetVertex(ctx context.Context, id string, auths graph.Authorizations) (graph.Vertex, error) {
	var visibility string

	err := g.db.QueryRowContext(ctx, "SELECT visibility FROM vertices WHERE id = $1", id).Scan(&visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query vertex %s: %w", id, err)
	}

	if !auths.CanRead(visibility) {
		return nil, nil
	}

	props, err := g.properties(ctx, id, auths)
	if err != nil {
		return nil, err
	}

	return graph.NewVertex(id, props, &g.pending), nil
}

func (g *Graph) properties(ctx context.Context, vertexID string, auths graph.Authorizations) ([]*graph.Property, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT key, name, visibility, inline, stream IS NOT NULL
		FROM properties
		WHERE vertex_id = $1
		ORDER BY ordinal`, vertexID)
	if err != nil {
		return nil, fmt.Errorf("failed to query properties of %s: %w", vertexID, err)
	}
	defer rows.Close()

	var props []*graph.Property

	for rows.Next() {
		var (
			p         graph.Property
			inline    []byte
			streaming bool
		)

		err := rows.Scan(&p.Key, &p.Name, &p.Visibility, &inline, &streaming)
		if err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}

		if !auths.CanRead(p.Visibility) {
			continue
		}

		if streaming {
			p.Value = &streamValue{db: g.db, vertexID: vertexID, key: p.Key, name: p.Name}
		} else if inline != nil {
			err := json.Unmarshal(inline, &p.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decode property %s: %w", p.String(), err)
			}
		}

		props = append(props, &p)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate properties of %s: %w", vertexID, err)
	}

	return props, nil
}

// PutVertex creates a vertex or updates its visibility.
func (g *Graph) PutVertex(ctx context.Context, id, visibility string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO vertices (id, visibility) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET visibility = EXCLUDED.visibility`, id, visibility)
	if err != nil {
		return fmt.Errorf("failed to save vertex %s: %w", id, err)
	}

	return nil
}

// PutProperty writes a property immediately, creating the vertex if needed.
func (g *Graph) PutProperty(ctx context.Context, vertexID string, p graph.Property) error {
	return g.apply(ctx, []graph.Mutation{{
		VertexID:   vertexID,
		Key:        p.Key,
		Name:       p.Name,
		Value:      p.Value,
		Visibility: p.Visibility,
	}})
}

// Flush implements graph.Graph. All staged mutations are written in one
// transaction; on failure they stay staged for the next flush.
func (g *Graph) Flush(ctx context.Context) error {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	mutations := g.pending.Drain()
	if len(mutations) == 0 {
		return nil
	}

	err := g.apply(ctx, mutations)
	if err != nil {
		g.pending.Restore(mutations)

		return err
	}

	g.logger.DebugContext(ctx, "Flushed graph mutations", "count", len(mutations))

	return nil
}

func (g *Graph) apply(ctx context.Context, mutations []graph.Mutation) error {
	transaction, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, m := range mutations {
		err := upsert(ctx, transaction, m)
		if err != nil {
			_ = transaction.Rollback()

			return err
		}
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit mutations: %w", err)
	}

	return nil
}

func upsert(ctx context.Context, transaction *sql.Tx, m graph.Mutation) error {
	var (
		inline []byte
		stream []byte
		err    error
	)

	if sv, ok := m.Value.(graph.StreamingValue); ok {
		stream, err = graph.ReadAll(ctx, sv)
		if err != nil {
			return fmt.Errorf("failed to read streaming value %s:%s: %w", m.Key, m.Name, err)
		}

		if stream == nil {
			stream = []byte{}
		}
	} else {
		inline, err = json.Marshal(m.Value)
		if err != nil {
			return fmt.Errorf("failed to encode property %s:%s: %w", m.Key, m.Name, err)
		}
	}

	_, err = transaction.ExecContext(ctx,
		"INSERT INTO vertices (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", m.VertexID)
	if err != nil {
		return fmt.Errorf("failed to ensure vertex %s: %w", m.VertexID, err)
	}

	_, err = transaction.ExecContext(ctx, `
		INSERT INTO properties (vertex_id, key, name, visibility, inline, stream)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vertex_id, key, name) DO UPDATE SET
			visibility = EXCLUDED.visibility,
			inline = EXCLUDED.inline,
			stream = EXCLUDED.stream,
			updated_at = NOW()`,
		m.VertexID, m.Key, m.Name, m.Visibility, inline, stream)
	if err != nil {
		return fmt.Errorf("failed to save property %s:%s on %s: %w", m.Key, m.Name, m.VertexID, err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (g *Graph) HealthCheck(ctx context.Context) error {
	err := g.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection. Unflushed mutations are discarded.
func (g *Graph) Close() error {
	if dropped := g.pending.Len(); dropped > 0 {
		g.logger.Warn("Closing graph with unflushed mutations", "count", dropped)
	}

	err := g.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

type streamValue struct {
	db       *sql.DB
	vertexID string
	key      string
	name     string
}

func (s *streamValue) Open(ctx context.Context) (io.ReadCloser, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx,
		"SELECT stream FROM properties WHERE vertex_id = $1 AND key = $2 AND name = $3",
		s.vertexID, s.key, s.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %s:%s on %s no longer exists", s.key, s.name, s.vertexID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s:%s on %s: %w", s.key, s.name, s.vertexID, err)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}
