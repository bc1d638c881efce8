package topic

import (
	"reflect"

	"github.com/irlab-shm/shmbus/internal/layoutcheck"
)

// assertFixedLayout rejects payload types that cannot be safely copied
// byte-for-byte between processes. See internal/layoutcheck for the rules.
func assertFixedLayout(t reflect.Type) error {
	return layoutcheck.Check(t)
}
