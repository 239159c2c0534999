// Package domain holds the values that move through the inbox analysis
// pipeline: the fetched message, the classifier verdict, the rendered
// artifact and its published reference, and the persisted record.
//
// It imports no other internal package and carries no connections or
// contexts in its structs, so every stage can depend on it without cycles.
package domain
