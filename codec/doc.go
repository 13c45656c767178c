// Package codec converts values between bus variants and mesh values.
//
// Signatures are parsed into Type trees once, at introspection time, and the
// converters walk the tree alongside the value. Conversions never truncate:
// a value that does not fit its target type is an OutOfRange error, and a
// value of the wrong shape is a TypeMismatch.
//
//	y q u t   -> mesh Uint
//	n i x     -> mesh Int
//	d         -> mesh Float
//	b         -> mesh Bool
//	s o g     -> mesh String
//	aT        -> mesh Array
//	a{KV}     -> mesh Map, entries sorted by key
//	(T...)    -> mesh Array of fixed arity
//	v         -> mesh Variant carrying the inner signature
//	h         -> UnsupportedSignature
//
// All functions are pure and safe for concurrent use.
package codec
