// Package upstream reads the business system's paginated product listing.
//
// Pages are fetched over HTTP with the shared retry policy. The product
// array is located by probing a fixed list of envelope paths, and each raw
// record is mapped onto types.Product with tolerant field aliases.
package upstream
