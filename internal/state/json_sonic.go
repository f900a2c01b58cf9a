//go:build sonic

package state

import (
	"io"

	"github.com/bytedance/sonic"
)

func encodeJSON(w io.Writer, v any) error {
	return sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func decodeJSON(r io.Reader, v any) error {
	return sonic.ConfigStd.NewDecoder(r).Decode(v)
}
