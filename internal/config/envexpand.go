package config

import "os"

// ExpandEnv expands ${VAR} / $VAR references in raw YAML bytes before
// parsing, the way the teacher's pkg/config/envexpand.go does for
// secrets such as provider API keys. Missing variables expand to the
// empty string; validation is expected to catch required fields left
// empty by a missing variable.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
