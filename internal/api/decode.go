package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"bus-tracker/internal/transit"
)

const maxBodyBytes = 1 << 20

var errBadJSON = transit.Errorf(transit.ErrValidation, "Bad Request: cuerpo JSON inválido")

// decodeJSON reads the body into dst whatever the declared content type.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errBadJSON
	}
	return nil
}

// fields is a loosely decoded JSON object whose members are type-checked one
// by one.
type fields map[string]json.RawMessage

func (f fields) present(k string) bool {
	raw, ok := f[k]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// number returns member k, which must be a JSON number.
func (f fields) number(k string) (float64, error) {
	raw, ok := f[k]
	if !ok {
		return 0, transit.Errorf(transit.ErrValidation, "Faltan campos obligatorios: %s", k)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, errBadJSON
	}
	n, ok := v.(float64)
	if !ok {
		return 0, transit.Errorf(transit.ErrValidation, "El campo %s debe ser numérico", k)
	}
	return n, nil
}

// optString returns member k, which must be a string when present.
func (f fields) optString(k string) (string, error) {
	if !f.present(k) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(f[k], &s); err != nil {
		return "", transit.Errorf(transit.ErrValidation, "El campo '%s' debe ser una cadena", k)
	}
	return s, nil
}

// optInt returns member k, which must be an integral number when present.
// 1.0 is accepted as 1.
func (f fields) optInt(k string) (int, error) {
	if !f.present(k) {
		return 0, nil
	}
	var v any
	if err := json.Unmarshal(f[k], &v); err != nil {
		return 0, errBadJSON
	}
	n, ok := v.(float64)
	if !ok || n != math.Trunc(n) || math.IsInf(n, 0) {
		return 0, transit.Errorf(transit.ErrValidation, "El campo '%s' debe ser un entero", k)
	}
	return int(n), nil
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*s = flexString(strings.TrimSpace(t))
	case float64:
		*s = flexString(strconv.FormatFloat(t, 'f', -1, 64))
	case nil:
		*s = ""
	default:
		return &json.UnmarshalTypeError{Value: string(b), Type: reflect.TypeFor[flexString]()}
	}
	return nil
}

// flexInt accepts an integral JSON number or a numeric string.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	bad := &json.UnmarshalTypeError{Value: string(b), Type: reflect.TypeFor[flexInt]()}
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return bad
		}
		*n = flexInt(t)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return bad
		}
		*n = flexInt(i)
	default:
		return bad
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns the first validator failure into a user message.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return transit.Errorf(transit.ErrValidation, "Bad Request: %v", err)
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return transit.Errorf(transit.ErrValidation, "Falta campo %s", fe.Field())
	}
	return transit.Errorf(transit.ErrValidation, "Campo %s inválido", fe.Field())
}

// decodeStrict decodes the body into dst and validates it. Type mismatches
// inside known fields are reported against the field name.
func (s *Server) decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var ute *json.UnmarshalTypeError
		if errors.As(err, &ute) && ute.Field != "" {
			return transit.Errorf(transit.ErrValidation, "Campo %s inválido", ute.Field)
		}
		return errBadJSON
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}
