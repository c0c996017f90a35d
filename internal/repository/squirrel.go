package repository

import sq "github.com/Masterminds/squirrel"

// psql is the statement builder for PostgreSQL dollar placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sqlite is the statement builder for SQLite question placeholders.
var sqlite = sq.StatementBuilder.PlaceholderFormat(sq.Question)
