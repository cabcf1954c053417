package util

// TransformOrNil returns nil if the value is nil, otherwise applies the transform function.
//
// This helper is commonly used when building argument arrays for SQL statements
// where optional columns should be represented as SQL NULL.
//
// Example:
//
//	args = append(args, util.TransformOrNil(rec.CumExecQty, func(d decimal.Decimal) any { return d.String() }))
//	args = append(args, util.TransformOrNil(rec.PartialOrderID, func(id string) any { return id }))
func TransformOrNil[T any](value *T, transform func(T) any) any {
	if value == nil {
		return nil
	}
	return transform(*value)
}

// Ptr returns a pointer to v. Convenient for the optional fields of records.
func Ptr[T any](v T) *T {
	return &v
}
