package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// marshal and unmarshal are thin wrappers around the TLS-presentation-language
// codec so the rest of the package never imports syntax directly; every wire
// struct drives its layout purely through `tls:"..."` struct tags.
func marshal(obj interface{}) ([]byte, error) {
	data, err := syntax.Marshal(obj)
	if err != nil {
		return nil, wrapErr(ErrDecode, err, "marshal %T", obj)
	}
	return data, nil
}

func unmarshal(data []byte, obj interface{}) (int, error) {
	n, err := syntax.Unmarshal(data, obj)
	if err != nil {
		return 0, wrapErr(ErrDecode, err, "unmarshal %T", obj)
	}
	return n, nil
}

// unmarshalExact requires the entire input to be consumed by obj's decode,
// rejecting trailing bytes the way a top-level MLSMessage frame must.
func unmarshalExact(data []byte, obj interface{}) error {
	n, err := unmarshal(data, obj)
	if err != nil {
		return err
	}
	if n != len(data) {
		return newErr(ErrDecode, "%d trailing bytes after decoding %T", len(data)-n, obj)
	}
	return nil
}

// presenceOctet renders an optional-field marker the TLS presentation
// language way: a single octet, 1 for present and 0 for absent.
func presenceOctet(present bool) uint8 {
	if present {
		return 1
	}
	return 0
}

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// opaque is a plain alias of []byte for byte vectors whose length-prefix
// width is set by the field's tls tag at the call site rather than on a
// named type.
type opaque = []byte

func mustMarshal(obj interface{}) []byte {
	data, err := marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("mls: unexpected marshal failure: %v", err))
	}
	return data
}
