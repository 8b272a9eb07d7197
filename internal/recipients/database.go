package recipients

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/foxzi/mailrun/internal/queue"
)

// DefaultContactsQuery selects contacts from the contacts table.
// Custom queries must return the same column names.
const DefaultContactsQuery = `
	SELECT email,
	       COALESCE(name, '')       AS name,
	       COALESCE(source, '')     AS source,
	       COALESCE(group_name, '') AS group_name
	FROM contacts
	ORDER BY created_at, email
`

// contactRow is one row of the contacts query
type contactRow struct {
	Email     string `db:"email"`
	Name      string `db:"name"`
	Source    string `db:"source"`
	GroupName string `db:"group_name"`
}

// DatabaseSource reads contacts from PostgreSQL
type DatabaseSource struct {
	db    *sqlx.DB
	query string
}

// NewDatabaseSource opens a lazy connection pool for dsn
func NewDatabaseSource(dsn, query string) (*DatabaseSource, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	if strings.TrimSpace(query) == "" {
		query = DefaultContactsQuery
	}

	return &DatabaseSource{db: db, query: query}, nil
}

// Name returns the source name
func (s *DatabaseSource) Name() string {
	return "database"
}

// Fetch runs the contacts query
func (s *DatabaseSource) Fetch(ctx context.Context, filterTag string) ([]queue.Contact, error) {
	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, s.query); err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}

	contacts := make([]queue.Contact, 0, len(rows))
	for _, r := range rows {
		contacts = append(contacts, queue.Contact{
			Email:       r.Email,
			DisplayName: r.Name,
			Tags:        tagsOf(r.Source, r.GroupName),
		})
	}
	return contacts, nil
}

// Close closes the connection pool
func (s *DatabaseSource) Close() error {
	return s.db.Close()
}
