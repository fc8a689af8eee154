// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing events and asserting on run
// streams. They are not intended for production usage.
package testutil
