// Package keyproto encodes and decodes the cache keys written by the upstream
// writer. A key has the form sync:<op>:<table>:<id> and its value is a JSON
// object of column/value pairs.
package keyproto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Prefix is the namespace every sync key starts with.
const Prefix = "sync"

const separator = ":"

// Operation identifies what the upstream writer did to the row.
type Operation string

const (
	// InsertWithKey inserts a row whose primary key is carried in the key.
	InsertWithKey Operation = "I"
	// InsertAutoKey inserts a row whose primary key is assigned by the store.
	// The id segment holds a client-generated token instead of a key.
	InsertAutoKey Operation = "IA"
	// UpdateWithKey updates the row identified by the primary key in the key.
	UpdateWithKey Operation = "U"
)

// ParseOperation converts the op segment of a key to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case InsertWithKey, InsertAutoKey, UpdateWithKey:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("unknown operation %q (valid: I, IA, U)", s)
	}
}

// String returns the wire form of the operation.
func (o Operation) String() string {
	return string(o)
}

// HasKey reports whether keys of this operation carry an integer primary key.
func (o Operation) HasKey() bool {
	return o == InsertWithKey || o == UpdateWithKey
}

// ErrMalformedKey is matched by every *MalformedKeyError.
var ErrMalformedKey = errors.New("malformed sync key")

// MalformedKeyError reports a key that does not follow sync:<op>:<table>:<id>.
type MalformedKeyError struct {
	Key    string
	Reason string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed sync key %q: %s", e.Key, e.Reason)
}

// Is lets errors.Is(err, ErrMalformedKey) match.
func (e *MalformedKeyError) Is(target error) bool {
	return target == ErrMalformedKey
}

// Key is a decoded sync key.
type Key struct {
	Op    Operation
	Table string
	ID    string
}

// String re-encodes the key.
func (k Key) String() string {
	return Encode(k.Op, k.Table, k.ID)
}

// PrimaryKey returns the integer primary key for I and U keys.
// IA keys have no primary key and return false.
func (k Key) PrimaryKey() (int64, bool) {
	if !k.Op.HasKey() {
		return 0, false
	}
	pk, err := strconv.ParseInt(k.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return pk, true
}

// Encode builds the cache key for an operation on a table row.
func Encode(op Operation, table, id string) string {
	return strings.Join([]string{Prefix, string(op), table, id}, separator)
}

// EncodeInt builds the cache key for a row identified by an integer primary key.
func EncodeInt(op Operation, table string, pk int64) string {
	return Encode(op, table, strconv.FormatInt(pk, 10))
}

// Pattern returns the glob matching every sync key, optionally narrowed to
// one table.
func Pattern(table string) string {
	if table == "" {
		return Prefix + separator + "*"
	}
	return Prefix + separator + "*" + separator + table + separator + "*"
}

// NewToken returns a unique token used as the id segment of IA keys.
func NewToken() string {
	return uuid.New().String()
}

// Decode parses a cache key. The id segment is everything after the third
// separator, so tokens may themselves contain colons.
func Decode(key string) (Key, error) {
	parts := strings.SplitN(key, separator, 4)
	if len(parts) != 4 {
		return Key{}, &MalformedKeyError{Key: key, Reason: "expected sync:<op>:<table>:<id>"}
	}
	if parts[0] != Prefix {
		return Key{}, &MalformedKeyError{Key: key, Reason: fmt.Sprintf("prefix must be %q", Prefix)}
	}

	op, err := ParseOperation(parts[1])
	if err != nil {
		return Key{}, &MalformedKeyError{Key: key, Reason: err.Error()}
	}

	table := parts[2]
	if table == "" {
		return Key{}, &MalformedKeyError{Key: key, Reason: "empty table name"}
	}

	id := parts[3]
	if id == "" {
		return Key{}, &MalformedKeyError{Key: key, Reason: "empty identifier"}
	}
	if op.HasKey() {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return Key{}, &MalformedKeyError{Key: key, Reason: fmt.Sprintf("primary key %q is not an integer", id)}
		}
	}

	return Key{Op: op, Table: table, ID: id}, nil
}
