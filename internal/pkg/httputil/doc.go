// Package httputil holds the JSON response helpers used by the analyzer's
// operational endpoints.
package httputil
