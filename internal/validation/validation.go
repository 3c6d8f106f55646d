package validation

import (
	"encoding/json"
	"net/http"
	"sort"

	"clsync/internal/errors"
)

type Validator interface {
	Validate() error
}

// Decode reads a JSON request body into v and validates it.
func Decode(r *http.Request, v Validator) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.ValidationError("invalid request body", err.Error())
	}
	return v.Validate()
}

// Required fails with the names of the empty fields.
func Required(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	if len(missing) == 1 {
		return errors.ValidationError(missing[0]+" is required", missing)
	}
	return errors.ValidationError("missing required fields", missing)
}
