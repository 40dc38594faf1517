package web

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dimfeld/httptreemux/v5"
	jsoniter "github.com/json-iterator/go"
)

// MaxBodyBytes bounds the size of a request body.
const MaxBodyBytes = 8 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// validator is implemented by request models that can check themselves.
type validator interface {
	Validate() error
}

// Param returns the web call parameters from the request.
func Param(r *http.Request, key string) string {
	m := httptreemux.ContextParams(r.Context())
	return m[key]
}

// Decode reads the body of an HTTP request looking for a JSON document. The
// body is decoded into the provided value. If the value implements a
// Validate method it is executed.
func Decode(r *http.Request, val any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(val); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	if v, ok := val.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// ReadBody returns the raw request body, refusing bodies over MaxBodyBytes.
func ReadBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if len(data) > MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", MaxBodyBytes)
	}

	return data, nil
}
