package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smarter-day/firedoc"
)

// Longest first, so ">=" is not read as ">".
var clauseOps = []struct {
	token string
	op    firedoc.Operator
}{
	{"!~=", firedoc.OpNotIn},
	{"==", firedoc.OpEqual},
	{"!=", firedoc.OpNotEqual},
	{">=", firedoc.OpGreaterOrEqual},
	{"<=", firedoc.OpLessOrEqual},
	{"~=", firedoc.OpArrayContains},
	{"=~", firedoc.OpIn},
	{">", firedoc.OpGreaterThan},
	{"<", firedoc.OpLessThan},
}

// Word operators are written with spaces around them: tags array-contains go.
var wordOps = map[string]firedoc.Operator{
	string(firedoc.OpArrayContains):    firedoc.OpArrayContains,
	string(firedoc.OpArrayContainsAny): firedoc.OpArrayContainsAny,
	string(firedoc.OpIn):               firedoc.OpIn,
	string(firedoc.OpNotIn):            firedoc.OpNotIn,
}

// parseClause reads field<op>value or "field op value". Values are typed the
// way they look: null, true/false, integers, floats, otherwise strings. The
// list operators (=~, !~=, in, not-in, array-contains-any) take
// comma-separated values.
func parseClause(raw string) (firedoc.QueryCondition, error) {
	if parts := strings.Fields(raw); len(parts) >= 3 {
		if op, ok := wordOps[parts[1]]; ok {
			return clause(parts[0], op, strings.Join(parts[2:], " ")), nil
		}
	}
	for _, c := range clauseOps {
		i := strings.Index(raw, c.token)
		if i <= 0 {
			continue
		}
		field := strings.TrimSpace(raw[:i])
		value := strings.TrimSpace(raw[i+len(c.token):])
		if field == "" || value == "" {
			break
		}
		return clause(field, c.op, value), nil
	}
	return firedoc.QueryCondition{}, fmt.Errorf("invalid clause %q: want field<op>value", raw)
}

func clause(field string, op firedoc.Operator, value string) firedoc.QueryCondition {
	switch op {
	case firedoc.OpIn, firedoc.OpNotIn, firedoc.OpArrayContainsAny:
		var list []firedoc.Value
		for _, part := range strings.Split(value, ",") {
			list = append(list, parseValue(strings.TrimSpace(part)))
		}
		return firedoc.Where(field, op, firedoc.Array(list...))
	case firedoc.OpEqual, firedoc.OpNotEqual:
		if value == "null" {
			return firedoc.NewCondition(field, firedoc.IsNull(op == firedoc.OpEqual))
		}
	}
	return firedoc.Where(field, op, parseValue(value))
}

func parseValue(s string) firedoc.Value {
	switch s {
	case "null":
		return firedoc.Null()
	case "true", "false":
		return firedoc.Bool(s == "true")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return firedoc.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return firedoc.Float(f)
	}
	return firedoc.String(strings.Trim(s, `"`))
}
