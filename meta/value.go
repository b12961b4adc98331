/*

Package meta holds the typed metadata attached to archived objects and
the SQLite index used to search it.

A record maps identifier keys to values of one of two types, int and
str.  Every stored record carries the content digest of its object
under the key "hash".  The record's identity, its entity id, is a
SHA-1 over a length-prefixed encoding of all of its entries, so the
same content added with the same metadata always lands on the same id.

*/
package meta

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// HashKey is the reserved key holding an entry's content digest.
const HashKey = "hash"

// Type names the kind of a value, and doubles as the suffix of its
// column in the index.
type Type string

const (
	Int Type = "int"
	Str Type = "str"
)

func (t Type) valid() bool {
	return t == Int || t == Str
}

func (t Type) column() string {
	return "value_" + string(t)
}

// Value is a tagged int or str.
type Value struct {
	Type Type
	Int  int64
	Str  string
}

func IntValue(i int64) Value {
	return Value{Type: Int, Int: i}
}

func StrValue(s string) Value {
	return Value{Type: Str, Str: s}
}

// Native returns the value as an int64 or a string.
func (v Value) Native() interface{} {
	if v.Type == Int {
		return v.Int
	}
	return v.Str
}

func (v Value) String() string {
	if v.Type == Int {
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

// Tagged renders the value with its type prefix, e.g. "int:23".
func (v Value) Tagged() string {
	return fmt.Sprintf("%s:%s", v.Type, v)
}

// Record is the full metadata of one entry.
type Record map[string]Value

// Hash returns the content digest, or "" if the record has none.
func (rec Record) Hash() string {
	return rec[HashKey].Str
}

// Keys returns the record's keys, sorted.
func (rec Record) Keys() (keys []string) {
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

// Plain converts rec to native Go values.
func (rec Record) Plain() map[string]interface{} {
	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		out[k] = v.Native()
	}
	return out
}

// Copy returns a shallow copy of rec.
func (rec Record) Copy() Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidKey reports whether key can be used as a metadata key.
func ValidKey(key string) bool {
	return identifier.MatchString(key)
}

// Normalize converts user supplied metadata into a Record.  Accepted
// values are Go integers, strings, []byte holding UTF-8 text, Value,
// and maps of exactly the form {"type": "int"|"str", "value": v}.
func Normalize(raw map[string]interface{}) (rec Record, err error) {
	rec = make(Record, len(raw))
	for key, v := range raw {
		if !ValidKey(key) {
			return nil, &ShapeError{Key: key, Reason: "keys must be identifiers"}
		}
		val, err := normalizeValue(key, v)
		if err != nil {
			return nil, err
		}
		rec[key] = val
	}
	return
}

func normalizeValue(key string, v interface{}) (val Value, err error) {
	val, ok, err := scalar(key, v)
	if ok || err != nil {
		return
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return val, &ShapeError{Key: key, Reason: fmt.Sprintf(
			"values should be int, string, or {type, value} maps, not %T", v)}
	}
	if len(m) != 2 {
		return val, &ShapeError{Key: key, Reason: "tagged values need exactly the keys type and value"}
	}
	t, err := typeOf(key, m["type"])
	if err != nil {
		return
	}
	inner, present := m["value"]
	if !present {
		return val, &ShapeError{Key: key, Reason: "tagged values need exactly the keys type and value"}
	}
	return operand(key, t, inner)
}

// scalar converts the bare scalar forms.  ok is false when v is not a
// scalar at all.
func scalar(key string, v interface{}) (val Value, ok bool, err error) {
	ok = true
	switch x := v.(type) {
	case Value:
		val = x
		switch x.Type {
		case Int:
		case Str:
			err = checkText(key, x.Str)
		default:
			err = &ShapeError{Key: key, Reason: fmt.Sprintf("unknown type %q", x.Type)}
		}
	case string:
		val = StrValue(x)
		err = checkText(key, x)
	case []byte:
		val = StrValue(string(x))
		err = checkText(key, val.Str)
	case int:
		val = IntValue(int64(x))
	case int8:
		val = IntValue(int64(x))
	case int16:
		val = IntValue(int64(x))
	case int32:
		val = IntValue(int64(x))
	case int64:
		val = IntValue(x)
	case uint:
		val, err = fromUint(key, uint64(x))
	case uint8:
		val = IntValue(int64(x))
	case uint16:
		val = IntValue(int64(x))
	case uint32:
		val = IntValue(int64(x))
	case uint64:
		val, err = fromUint(key, x)
	default:
		ok = false
	}
	return
}

// checkText rejects strings the index cannot hold verbatim.
func checkText(key, s string) error {
	if !utf8.ValidString(s) {
		return &ShapeError{Key: key, Reason: "string is not valid UTF-8 text"}
	}
	if strings.IndexByte(s, 0) >= 0 {
		return &ShapeError{Key: key, Reason: "string contains a NUL byte"}
	}
	return nil
}

func fromUint(key string, u uint64) (val Value, err error) {
	if u > math.MaxInt64 {
		return val, &ShapeError{Key: key, Reason: fmt.Sprintf("integer %d out of range", u)}
	}
	return IntValue(int64(u)), nil
}

func typeOf(key string, v interface{}) (t Type, err error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case Type:
		s = string(x)
	default:
		return t, &ShapeError{Key: key, Reason: fmt.Sprintf("type should be a string, not %T", v)}
	}
	t = Type(s)
	if !t.valid() {
		return t, &ShapeError{Key: key, Reason: fmt.Sprintf("unknown type %q", s)}
	}
	return
}

// operand converts v to a value of type t.
func operand(key string, t Type, v interface{}) (val Value, err error) {
	val, ok, err := scalar(key, v)
	if err != nil {
		return
	}
	if !ok || val.Type != t {
		return val, &ShapeError{Key: key, Reason: fmt.Sprintf("%v is not of type %s", v, t)}
	}
	return
}

// EntityID computes the identity of rec, which must contain HashKey.
// Entries are encoded in key order as "<len>:<key>" followed by
// "i<int>e" or "<len>:<str>", lengths counted in bytes.
func EntityID(rec Record) (id string, err error) {
	if _, ok := rec[HashKey]; !ok {
		return "", &ShapeError{Key: HashKey, Reason: "record has no content digest"}
	}
	h := sha1.New()
	for _, key := range rec.Keys() {
		v := rec[key]
		fmt.Fprintf(h, "%d:%s", len(key), key)
		switch v.Type {
		case Int:
			fmt.Fprintf(h, "i%de", v.Int)
		case Str:
			fmt.Fprintf(h, "%d:%s", len(v.Str), v.Str)
		default:
			return "", &ShapeError{Key: key, Reason: fmt.Sprintf("unknown type %q", v.Type)}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
