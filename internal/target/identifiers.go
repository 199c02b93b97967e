package target

import (
	"fmt"
	"sort"
	"unicode"

	"github.com/lib/pq"
)

// maxIdentLen is PostgreSQL's NAMEDATALEN - 1.
const maxIdentLen = 63

// quotePGIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quotePGIdent(ident string) string {
	return pq.QuoteIdentifier(ident)
}

func qualifyPGTable(schema, table string) string {
	return quotePGIdent(schema) + "." + quotePGIdent(table)
}

// validateIdent rejects names that would need quoting to be usable. Column
// names come from cache payloads, so anything odd is refused rather than
// quoted into existence.
func validateIdent(ident string) error {
	if ident == "" {
		return fmt.Errorf("empty identifier")
	}
	if len(ident) > maxIdentLen {
		return fmt.Errorf("identifier %q longer than %d bytes", ident, maxIdentLen)
	}
	for i, r := range ident {
		switch {
		case r == '_':
		case unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return fmt.Errorf("invalid identifier %q", ident)
		}
	}
	return nil
}

// sortedColumns returns the keys of values in a stable order after
// validating each one.
func sortedColumns(values map[string]any) ([]string, error) {
	cols := make([]string, 0, len(values))
	for col := range values {
		if err := validateIdent(col); err != nil {
			return nil, fmt.Errorf("column: %w", err)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}
