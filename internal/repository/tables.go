package repository

import "fmt"

// rawTables is the allowlist of landing tables. Raw table names reach SQL
// text by interpolation, so they MUST resolve through this map and never
// from external input.
var rawTables = map[string]string{
	"raw_brilliantco": "raw.raw_brilliantco",
	"raw_gemcargo":    "raw.raw_gemcargo",
	"raw_synthetic":   "raw.raw_synthetic",
}

// ResolveRawTable maps an adapter's raw table name to its qualified SQL
// identifier, or fails for anything not on the allowlist.
func ResolveRawTable(name string) (string, error) {
	qualified, ok := rawTables[name]
	if !ok {
		return "", fmt.Errorf("raw table %q is not on the allowlist", name)
	}
	return qualified, nil
}
