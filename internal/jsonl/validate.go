package jsonl

import (
	"slices"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// Validation compares the keys of a results file with the keys that were
// submitted for it.
type Validation struct {
	File string
	// Total counts decoded records, duplicates included.
	Total int
	// Missing keys were submitted but have no result.
	Missing []string
	// Extra keys have a result but were never submitted.
	Extra []string
	// Duplicates have more than one result.
	Duplicates []string
	Malformed  int
}

// Valid reports whether the file matches the submitted keys exactly.
func (v Validation) Valid() bool {
	return len(v.Missing) == 0 && len(v.Extra) == 0 && len(v.Duplicates) == 0 && v.Malformed == 0
}

// Err returns an IntegrityError when the file is not valid.
func (v Validation) Err() error {
	if v.Valid() {
		return nil
	}
	return errors.NewIntegrityError(v.File, v.Missing, append(slices.Clone(v.Extra), v.Duplicates...), v.Malformed)
}

// Validate reads path once and reports which of expectedKeys are missing
// and which keys were not expected. Missing keys keep expectedKeys order;
// extra keys keep file order.
func Validate(fs afero.Fs, path string, expectedKeys []string) (Validation, error) {
	r, err := OpenResults(fs, path)
	if err != nil {
		return Validation{}, err
	}
	defer r.Close()

	expected := make(map[string]bool, len(expectedKeys))
	for _, k := range expectedKeys {
		expected[k] = true
	}

	v := Validation{File: path}
	seen := make(map[string]int)
	for res, err := range r.All() {
		if err != nil {
			return Validation{}, err
		}
		v.Total++
		seen[res.Key]++
		switch {
		case !expected[res.Key] && seen[res.Key] == 1:
			v.Extra = append(v.Extra, res.Key)
		case expected[res.Key] && seen[res.Key] == 2:
			v.Duplicates = append(v.Duplicates, res.Key)
		}
	}
	v.Malformed = len(r.Malformed())

	for _, k := range expectedKeys {
		if seen[k] == 0 {
			v.Missing = append(v.Missing, k)
		}
	}
	return v, nil
}
