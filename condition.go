package firedoc

import (
	"context"
	"fmt"
)

// Operator is a driver-level filter operator.
type Operator string

const (
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpLessThan         Operator = "<"
	OpLessOrEqual      Operator = "<="
	OpGreaterThan      Operator = ">"
	OpGreaterOrEqual   Operator = ">="
	OpArrayContains    Operator = "array-contains"
	OpArrayContainsAny Operator = "array-contains-any"
	OpIn               Operator = "in"
	OpNotIn            Operator = "not-in"
)

type comparator int

const (
	cmpEqual comparator = iota
	cmpNotEqual
	cmpLessThan
	cmpLessOrEqual
	cmpGreaterThan
	cmpGreaterOrEqual
	cmpArrayContains
	cmpArrayContainsAny
	cmpIn
	cmpNotIn
	cmpIsNull
	numComparators
)

var comparatorOps = [numComparators]Operator{
	cmpEqual:            OpEqual,
	cmpNotEqual:         OpNotEqual,
	cmpLessThan:         OpLessThan,
	cmpLessOrEqual:      OpLessOrEqual,
	cmpGreaterThan:      OpGreaterThan,
	cmpGreaterOrEqual:   OpGreaterOrEqual,
	cmpArrayContains:    OpArrayContains,
	cmpArrayContainsAny: OpArrayContainsAny,
	cmpIn:               OpIn,
	cmpNotIn:            OpNotIn,
}

func validOperator(op Operator) bool {
	for _, o := range comparatorOps {
		if o == op && o != "" {
			return true
		}
	}
	return false
}

// ValueProvider supplies a condition operand at the time the query runs,
// e.g. the last value a previous run saw.
type ValueProvider interface {
	GetValue(ctx context.Context) (Value, error)
}

type slot struct {
	set   bool
	value Value
}

// Clause is a single filter applied to a driver query.
type Clause struct {
	Field string
	Op    Operator
	Value Value
}

// QueryCondition filters one field with any subset of the comparators.
// Set comparators are applied as conjunctive filters; whether a
// combination is legal is up to the driver.
type QueryCondition struct {
	field string
	slots [numComparators]slot
	// clauses with unknown operators or provider-backed operands, in the
	// order they were added
	extra []extraClause
}

type extraClause struct {
	op       Operator
	value    Value
	provider ValueProvider
}

// Comparator sets one comparator on a condition being built by NewCondition.
type Comparator func(*QueryCondition)

func EqualTo(v Value) Comparator           { return set(cmpEqual, v) }
func NotEqualTo(v Value) Comparator        { return set(cmpNotEqual, v) }
func LessThan(v Value) Comparator          { return set(cmpLessThan, v) }
func LessThanOrEqualTo(v Value) Comparator { return set(cmpLessOrEqual, v) }
func GreaterThan(v Value) Comparator       { return set(cmpGreaterThan, v) }
func GreaterThanOrEqualTo(v Value) Comparator {
	return set(cmpGreaterOrEqual, v)
}
func ArrayContains(v Value) Comparator { return set(cmpArrayContains, v) }

// ArrayContainsAny expects an array value.
func ArrayContainsAny(v Value) Comparator { return set(cmpArrayContainsAny, v) }

// In expects an array value.
func In(v Value) Comparator { return set(cmpIn, v) }

// NotIn expects an array value.
func NotIn(v Value) Comparator { return set(cmpNotIn, v) }

// IsNull filters on field == null when true and field != null when false.
func IsNull(isNull bool) Comparator { return set(cmpIsNull, Bool(isNull)) }

func set(c comparator, v Value) Comparator {
	return func(q *QueryCondition) {
		q.slots[c] = slot{set: true, value: v}
	}
}

// NewCondition creates an immutable condition on field.
func NewCondition(field string, comparators ...Comparator) QueryCondition {
	q := QueryCondition{field: field}
	for _, c := range comparators {
		c(&q)
	}
	return q
}

// Where is shorthand for a single-comparator condition. An operator outside
// the comparator set is kept as is and rejected when the query runs.
func Where(field string, op Operator, v Value) QueryCondition {
	for c, o := range comparatorOps {
		if o == op && comparator(c) != cmpIsNull {
			return NewCondition(field, set(comparator(c), v))
		}
	}
	return QueryCondition{field: field, extra: []extraClause{{op: op, value: v}}}
}

// WhereProvided filters field with op against the value p returns when the
// query runs.
func WhereProvided(field string, op Operator, p ValueProvider) QueryCondition {
	return QueryCondition{field: field, extra: []extraClause{{op: op, provider: p}}}
}

func (q QueryCondition) Field() string { return q.field }

// Empty reports whether no comparator is set.
func (q QueryCondition) Empty() bool {
	for _, s := range q.slots {
		if s.set {
			return false
		}
	}
	return len(q.extra) == 0
}

// Get returns the operand of the comparator behind op, if set.
func (q QueryCondition) Get(op Operator) (Value, bool) {
	for c, o := range comparatorOps {
		if o == op && comparator(c) != cmpIsNull && q.slots[c].set {
			return q.slots[c].value, true
		}
	}
	return Value{}, false
}

// IsNullSet returns the is-null comparator, if set.
func (q QueryCondition) IsNullSet() (isNull bool, ok bool) {
	s := q.slots[cmpIsNull]
	return s.set && s.value.b, s.set
}

// Clauses expands q into driver clauses in fixed comparator order.
// Provider-backed operands are left out; see Resolve.
func (q QueryCondition) Clauses() []Clause {
	var out []Clause
	for c, s := range q.slots {
		if !s.set {
			continue
		}
		if comparator(c) == cmpIsNull {
			op := OpNotEqual
			if s.value.b {
				op = OpEqual
			}
			out = append(out, Clause{Field: q.field, Op: op, Value: Null()})
			continue
		}
		out = append(out, Clause{Field: q.field, Op: comparatorOps[c], Value: s.value})
	}
	for _, e := range q.extra {
		if e.provider == nil {
			out = append(out, Clause{Field: q.field, Op: e.op, Value: e.value})
		}
	}
	return out
}

// Resolve returns the clauses to apply, asking providers for their operands.
// Unknown operators and provider failures are errors; a condition is never
// silently dropped.
func (q QueryCondition) Resolve(ctx context.Context) ([]Clause, error) {
	out := q.Clauses()
	for _, e := range q.extra {
		if e.provider == nil {
			continue
		}
		v, err := e.provider.GetValue(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, Clause{Field: q.field, Op: e.op, Value: v})
	}
	for _, c := range out {
		if !validOperator(c.Op) {
			return nil, newError("", fmt.Sprintf("unsupported operator %q on field %q", c.Op, c.Field), CodeInvalidArgument, nil)
		}
	}
	return out, nil
}

// QueryConditionBuilder stages a QueryCondition. Every mutator returns the
// same builder; Build snapshots the current state.
type QueryConditionBuilder struct {
	cond QueryCondition
}

func NewConditionBuilder(field string) *QueryConditionBuilder {
	return &QueryConditionBuilder{cond: QueryCondition{field: field}}
}

func (b *QueryConditionBuilder) apply(c Comparator) *QueryConditionBuilder {
	c(&b.cond)
	return b
}

func (b *QueryConditionBuilder) IsEqualTo(v Value) *QueryConditionBuilder {
	return b.apply(EqualTo(v))
}

func (b *QueryConditionBuilder) IsNotEqualTo(v Value) *QueryConditionBuilder {
	return b.apply(NotEqualTo(v))
}

func (b *QueryConditionBuilder) IsLessThan(v Value) *QueryConditionBuilder {
	return b.apply(LessThan(v))
}

func (b *QueryConditionBuilder) IsLessThanOrEqualTo(v Value) *QueryConditionBuilder {
	return b.apply(LessThanOrEqualTo(v))
}

func (b *QueryConditionBuilder) IsGreaterThan(v Value) *QueryConditionBuilder {
	return b.apply(GreaterThan(v))
}

func (b *QueryConditionBuilder) IsGreaterThanOrEqualTo(v Value) *QueryConditionBuilder {
	return b.apply(GreaterThanOrEqualTo(v))
}

func (b *QueryConditionBuilder) ArrayContains(v Value) *QueryConditionBuilder {
	return b.apply(ArrayContains(v))
}

func (b *QueryConditionBuilder) ArrayContainsAny(v Value) *QueryConditionBuilder {
	return b.apply(ArrayContainsAny(v))
}

func (b *QueryConditionBuilder) WhereIn(v Value) *QueryConditionBuilder {
	return b.apply(In(v))
}

func (b *QueryConditionBuilder) WhereNotIn(v Value) *QueryConditionBuilder {
	return b.apply(NotIn(v))
}

func (b *QueryConditionBuilder) IsNull(isNull bool) *QueryConditionBuilder {
	return b.apply(IsNull(isNull))
}

// Build returns a snapshot of the builder; later builder calls do not
// affect it.
func (b *QueryConditionBuilder) Build() QueryCondition {
	return b.cond
}
