package database

import (
	"go.mongodb.org/mongo-driver/bson"
)

// FilterBuilder helps build MongoDB filters fluently.
type FilterBuilder struct {
	filter bson.M
}

func NewFilter() *FilterBuilder {
	return &FilterBuilder{filter: bson.M{}}
}

// Eq adds an equality condition. On an array field it matches any element.
func (f *FilterBuilder) Eq(field string, value any) *FilterBuilder {
	f.filter[field] = value
	return f
}

func (f *FilterBuilder) Ne(field string, value any) *FilterBuilder {
	return f.op(field, "$ne", value)
}

func (f *FilterBuilder) In(field string, values any) *FilterBuilder {
	return f.op(field, "$in", values)
}

func (f *FilterBuilder) Lte(field string, value any) *FilterBuilder {
	return f.op(field, "$lte", value)
}

// Or adds a disjunction of sub-filters.
func (f *FilterBuilder) Or(filters ...bson.M) *FilterBuilder {
	f.filter["$or"] = filters
	return f
}

func (f *FilterBuilder) Build() bson.M {
	return f.filter
}

// op merges operators on the same field, so Ne and Lte on one field combine.
func (f *FilterBuilder) op(field, operator string, value any) *FilterBuilder {
	cond, ok := f.filter[field].(bson.M)
	if !ok {
		cond = bson.M{}
		f.filter[field] = cond
	}
	cond[operator] = value
	return f
}
