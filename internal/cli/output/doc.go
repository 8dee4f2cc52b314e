// Package output renders command results for rnode-agent as a table, JSON
// or YAML.
//
// Table columns come from exported struct fields. The json tag names the
// column and a `table:"wide"` tag hides the column unless wide output was
// requested.
package output
