// Package lookup resolves phone numbers to mobile carriers.
//
// Service partitions phones into contiguous batches and resolves them with a
// bounded number of batches in flight. Phones inside a batch are resolved one
// at a time with retry. Every distinct input phone receives a key in the
// result, falling back to scrape.UnknownProvider when resolution fails.
package lookup
