// Package knownkeys loads the small hex key-name table named by keg.conf's
// armadillo.keys value, reusing the config codec's "key = value" grammar.
package knownkeys

import (
	"encoding/hex"
	"io"

	"keg/kegconfig"
)

// Table maps decryption key names to their raw key bytes.
type Table struct {
	keys map[string][]byte
}

// Load parses r as a key-name table: each line is "name = hex-bytes".
func Load(r io.Reader) (*Table, error) {
	doc, err := kegconfig.Parse(r)
	if err != nil {
		return nil, err
	}
	t := &Table{keys: make(map[string][]byte)}
	for _, name := range doc.Keys() {
		raw, err := hex.DecodeString(doc.Value(name))
		if err != nil {
			continue // malformed entries are skipped, not fatal to the table
		}
		t.keys[name] = raw
	}
	return t, nil
}

// Has reports whether name is provisioned.
func (t *Table) Has(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.keys[name]
	return ok
}

// Lookup implements blte.KeyLookup.
func (t *Table) Lookup(name string) ([]byte, bool) {
	if t == nil {
		return nil, false
	}
	b, ok := t.keys[name]
	return b, ok
}
