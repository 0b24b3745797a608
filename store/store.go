// Package store provides the single-table persistence layer.
// The ItemTable interface is defined in the parent mangaflow package
// (../store_interface.go) to avoid import cycles between the root and
// store packages.
//
// This package contains:
//   - DynamoDBTable: AWS DynamoDB backend
//   - MemoryTable: in-memory backend with the same semantics, for tests and local runs
//   - Repository: typed entity access on top of either backend
//
// Key layout follows schema.go.
package store
