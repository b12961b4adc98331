package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/t7a/filearchive/meta"
)

// exitError is an error the user is shown as is, along with the
// process exit status.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func exit(code int, format string, args ...interface{}) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func unknownType(t string) error {
	return exit(1, "Metadata has unknown type '%s'! Only 'str' and 'int' are supported.\n"+
		"If you meant a string with a ':', use 'str:mystring'", t)
}

// splitType splits "int:23" into "int" and "23".  Untyped values are
// strings.
func splitType(v string) (t, rest string) {
	i := strings.Index(v, ":")
	if i < 0 {
		return "str", v
	}
	return v[:i], v[i+1:]
}

// parseNew turns key=value, key=str:value and key=int:23 arguments
// into metadata for FileStore.Add.
func parseNew(args []string) (raw map[string]interface{}, err error) {
	raw = make(map[string]interface{}, len(args))
	for _, a := range args {
		kv := strings.SplitN(a, "=", 2)
		if len(kv) != 2 {
			return nil, exit(1, "Metadata should have format key=value or key=type:value (eg. age=int:23)")
		}
		k := kv[0]
		t, v := splitType(kv[1])
		if _, ok := raw[k]; ok {
			return nil, exit(1, "Multiple values for key %s", k)
		}
		switch t {
		case "int":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, exit(1, "Invalid integer for key %s: %s", k, v)
			}
			raw[k] = meta.IntValue(n)
		case "str":
			raw[k] = meta.StrValue(v)
		default:
			return nil, unknownType(t)
		}
	}
	return
}

// parseQuery parses query arguments.  They are either a single entity
// id or key=value conditions, which besides the forms parseNew accepts
// may compare integers as key=int:>21 or key=int:<21.
func parseQuery(args []string) (id string, conds meta.Conditions, err error) {
	if len(args) == 1 && !strings.Contains(args[0], "=") {
		return args[0], nil, nil
	}
	conds = make(meta.Conditions)
	types := make(map[string]string)
	ops := make(map[string]map[meta.Op]bool)
	for _, a := range args {
		kv := strings.SplitN(a, "=", 2)
		if len(kv) != 2 {
			return "", nil, exit(1, "Metadata should have format key=value, key=type:value (eg. age=int:23) "+
				"or key=type:req (eg. age=int:>21)")
		}
		k := kv[0]
		t, v := splitType(kv[1])
		op := meta.Equal
		var value interface{}
		switch t {
		case "int":
			switch {
			case strings.HasPrefix(v, ">"):
				op, v = meta.Gt, v[1:]
			case strings.HasPrefix(v, "<"):
				op, v = meta.Lt, v[1:]
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return "", nil, exit(1, "Invalid integer for key %s: %s", k, v)
			}
			value = n
		case "str":
			value = v
		default:
			return "", nil, unknownType(t)
		}

		if old, ok := types[k]; ok && old != t {
			return "", nil, exit(1, "Differing types for conditions on key %s: %s, %s", k, old, t)
		}
		if ops[k][op] {
			return "", nil, exit(1, "Multiple conditions %s on key %s", op, k)
		}
		types[k] = t
		if ops[k] == nil {
			ops[k] = make(map[meta.Op]bool)
		}
		ops[k][op] = true

		err = conds.Add(k, map[string]interface{}{"type": t, string(op): value})
		if err != nil {
			return "", nil, exit(1, "%v", err)
		}
	}
	return
}
