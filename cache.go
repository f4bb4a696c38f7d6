package quartz

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidKey is returned by every Cache operation whose key has no
// well-defined equality: functions, maps, slices, channels, pointers and values
// containing them. Structs with fields the encoder skips, unexported or tagged
// "-", are rejected too. No message is sent for an invalid key.
var ErrInvalidKey = errors.New("cache key must have well-defined equality")

type invalidKeyError struct {
	typ  reflect.Type
	kind reflect.Kind
	// field is set when the key is a struct with a field that is not encoded.
	field string
}

func (e *invalidKeyError) Error() string {
	switch {
	case e.typ == nil:
		return fmt.Sprintf("%s [key=nil]", ErrInvalidKey)
	case e.field != "":
		return fmt.Sprintf("%s [type=%s, field=%s is not encoded]", ErrInvalidKey, e.typ, e.field)
	}
	return fmt.Sprintf("%s [type=%s, kind=%s]", ErrInvalidKey, e.typ, e.kind)
}

func (e *invalidKeyError) Is(target error) bool { return target == ErrInvalidKey }

// Canonical encoding makes equal keys encode to identical bytes on every node,
// so they hash to the same partition.
var encoding = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Cache is a typed view of a DB. Keys and values are CBOR encoded.
type Cache[K, V any] struct {
	db DB
}

// NewCache returns a typed view of db.
func NewCache[K, V any](db DB) *Cache[K, V] { return &Cache[K, V]{db: db} }

// Put sets key to value.
func (c *Cache[K, V]) Put(ctx context.Context, key K, value V) error {
	k, err := encodeKey(key)
	if err != nil {
		return err
	}
	v, err := encoding.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to encode value")
	}
	return c.db.Put(ctx, k, v)
}

// Get returns the value of key, or ErrNotFound.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (value V, err error) {
	k, err := encodeKey(key)
	if err != nil {
		return value, err
	}
	b, err := c.db.Get(ctx, k)
	if err != nil {
		return value, err
	}
	err = cbor.Unmarshal(b, &value)
	return value, errors.Wrap(err, "failed to decode value")
}

// Remove deletes key.
func (c *Cache[K, V]) Remove(ctx context.Context, key K) error {
	k, err := encodeKey(key)
	if err != nil {
		return err
	}
	return c.db.Remove(ctx, k)
}

// ValidateKey returns an error matching ErrInvalidKey if key cannot be used as a
// cache key.
func ValidateKey(key any) error { return validateKey(reflect.ValueOf(key)) }

func validateKey(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Invalid:
		return &invalidKeyError{}
	case reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return &invalidKeyError{typ: v.Type(), kind: v.Kind()}
	case reflect.Interface:
		if v.IsNil() {
			return &invalidKeyError{typ: v.Type(), kind: v.Kind()}
		}
		return validateKey(v.Elem())
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if f := t.Field(i); !encoded(f) {
				return &invalidKeyError{typ: t, kind: v.Kind(), field: f.Name}
			}
			if err := validateKey(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := validateKey(v.Index(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// encoded reports whether the CBOR encoder writes f. Unexported fields are
// skipped unless they embed a struct, whose exported fields are promoted. A
// cbor tag of "-", or a json tag of "-" when there is no cbor tag, skips the
// field.
func encoded(f reflect.StructField) bool {
	if !f.IsExported() && !(f.Anonymous && f.Type.Kind() == reflect.Struct) {
		return false
	}
	tag := f.Tag.Get("cbor")
	if tag == "" {
		tag = f.Tag.Get("json")
	}
	name, _, _ := strings.Cut(tag, ",")
	return name != "-"
}

func encodeKey(key any) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	b, err := encoding.Marshal(key)
	return b, errors.Wrap(err, "failed to encode key")
}
