package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"healthmate/internal/models"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads exactly one JSON value with no unknown fields. Decoding
// failures are returned as validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return fmt.Errorf("%w: multiple json values", models.ErrValidation)
		}
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
