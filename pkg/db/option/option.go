package option

import (
	"strings"

	"certificate-pipeline/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption decorates a query before it is executed by a repository.
type QueryOption func(db *gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "eq"
	NEQ Operator = "neq"
	GT  Operator = "gt"
	GTE Operator = "gte"
	LT  Operator = "lt"
	LTE Operator = "lte"
	IN  Operator = "in"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func (c Condition) expression() clause.Expression {
	col := clause.Column{Name: c.Field}
	switch c.Operator {
	case NEQ:
		return clause.Neq{Column: col, Value: c.Value}
	case GT:
		return clause.Gt{Column: col, Value: c.Value}
	case GTE:
		return clause.Gte{Column: col, Value: c.Value}
	case LT:
		return clause.Lt{Column: col, Value: c.Value}
	case LTE:
		return clause.Lte{Column: col, Value: c.Value}
	case IN:
		if values, ok := c.Value.([]any); ok {
			return clause.IN{Column: col, Values: values}
		}
		if values, ok := c.Value.([]string); ok {
			in := make([]any, 0, len(values))
			for _, v := range values {
				in = append(in, v)
			}
			return clause.IN{Column: col, Values: in}
		}
		return clause.IN{Column: col, Values: []any{c.Value}}
	default:
		return clause.Eq{Column: col, Value: c.Value}
	}
}

func ApplyOperator(conditions ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		exprs := make([]clause.Expression, 0, len(conditions))
		for _, c := range conditions {
			exprs = append(exprs, c.expression())
		}
		return db.Clauses(clause.Where{Exprs: exprs})
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy when it is allowed, otherwise by created_at.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := "created_at"
		if s.SortBy != "" && (s.Allow == nil || s.Allow[s.SortBy]) {
			column = s.SortBy
		}
		return db.Order(clause.OrderByColumn{
			Column: clause.Column{Name: column},
			Desc:   strings.EqualFold(s.OrderBy, "desc"),
		})
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyPagination fetches one row past the limit so callers can tell whether
// another page exists. Rows are ordered by (created_at, primaryColumn).
func ApplyPagination(p pagination.Pagination, primaryColumn string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = 10
		}

		if p.Cursor != "" {
			cursor, err := pagination.DecodeCursor(p.Cursor)
			if err != nil {
				_ = db.AddError(err)
				return db
			}
			db = db.Where(
				db.Session(&gorm.Session{NewDB: true}).
					Where("created_at > ?", cursor.CreatedAt).
					Or("created_at = ? AND "+primaryColumn+" > ?", cursor.CreatedAt, cursor.ID),
			)
		}

		return db.
			Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}}).
			Order(clause.OrderByColumn{Column: clause.Column{Name: primaryColumn}}).
			Limit(limit + 1)
	}
}
